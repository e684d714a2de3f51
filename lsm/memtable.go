package lsm

import (
	"github.com/Kirov7/FayLSM/inmemory"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

// memTable buffers writes in memory until it is flushed into a level-0
// partition. It is not backed by a log: unflushed writes do not survive a
// crash.
type memTable struct {
	sl         *inmemory.SkipList
	maxVersion uint64
}

func (lsm *LSM) NewMemTable() *memTable {
	return &memTable{sl: inmemory.NewSkipList(lsm.option.MemTableSize)}
}

// fits reports whether e can be added without overflowing the arena.
func (mt *memTable) fits(e *utils.Entry) bool {
	return mt.sl.MemSize()+inmemory.EstimateNodeSize(e) <= mt.sl.Cap()-int64(inmemory.MaxNodeSize)
}

func (mt *memTable) set(entry *utils.Entry) error {
	if !mt.fits(entry) {
		return errors.Errorf("memtable: entry of %d bytes does not fit", entry.Size())
	}
	mt.sl.Put(entry)
	if seq := utils.ParseSeq(entry.Key); seq > mt.maxVersion {
		mt.maxVersion = seq
	}
	return nil
}

// Get returns the newest entry for ikey's user key at or below its sequence.
func (mt *memTable) Get(ikey []byte) (*utils.Entry, bool) {
	vs, key, ok := mt.sl.Get(ikey)
	if !ok {
		return nil, false
	}
	return &utils.Entry{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), vs.Value...),
		ExpiresAt: vs.ExpiresAt,
		Meta:      vs.Meta,
		Version:   vs.Version,
	}, true
}

func (mt *memTable) empty() bool {
	return mt.sl.Empty()
}

func (mt *memTable) Size() int64 {
	return mt.sl.MemSize()
}

func (mt *memTable) close() {
	mt.sl.DecrRef()
}
