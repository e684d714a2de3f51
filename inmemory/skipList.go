// Package inmemory is a lock-free arena skiplist ordered by internal key. It
// buffers writes before they are flushed into a level-0 table.
package inmemory

import (
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

const (
	maxHeight      = 20
	heightIncrease = math.MaxUint32 / 3
)

type node struct {
	// Multiple parts of the value are encoded as a single uint64 so that it
	// can be atomically loaded and stored:
	//   value offset: uint32 (bits 0-31)
	//   value size  : uint32 (bits 32-63)
	value uint64

	// A byte slice is 24 bytes. We are trying to save space here.
	keyOffset uint32 // Immutable. No need to lock to access key.
	keySize   uint16 // Immutable. No need to lock to access key.

	// Height of the tower.
	height uint16

	// Most nodes do not need to use the full height of the tower, since the
	// probability of each successive level decreases exponentially. Because
	// these elements are never accessed, they do not need to be allocated.
	// Therefore, when a node is allocated in the memPool, its memory footprint
	// is deliberately truncated to not include unneeded tower elements.
	//
	// All accesses to elements should use CAS operations, with no need to lock.
	tower [maxHeight]uint32
}

type SkipList struct {
	height     int32 // Current height. 1 <= height <= kMaxHeight. CAS.
	headOffset uint32
	ref        int32
	memPool    *MemPool
	OnClose    func()
}

func newNode(memPool *MemPool, key []byte, v utils.ValueStruct, height int) *node {
	nodeOffset := memPool.putNode(height)
	keyOffset := memPool.putKey(key)
	val := encodeValue(memPool.putVal(v), v.EncodedSize())

	node := memPool.getNode(nodeOffset)
	node.keyOffset = keyOffset
	node.keySize = uint16(len(key))
	node.height = uint16(height)
	node.value = val
	return node
}

func encodeValue(valOffset uint32, valSize uint32) uint64 {
	return uint64(valSize)<<32 | uint64(valOffset)
}

func decodeValue(value uint64) (valOffset, valSize uint32) {
	valOffset = uint32(value)
	valSize = uint32(value >> 32)
	return
}

// NewSkipList returns a list backed by an arena of memPoolSize bytes.
func NewSkipList(memPoolSize int64) *SkipList {
	memPool := NewMemPool(memPoolSize)
	head := newNode(memPool, nil, utils.ValueStruct{}, maxHeight)
	headOff := memPool.getNodeOffset(head)
	return &SkipList{
		height:     1,
		headOffset: headOff,
		ref:        1,
		memPool:    memPool,
	}
}

// EstimateNodeSize is an upper bound on the arena space one Put of e uses.
func EstimateNodeSize(e *utils.Entry) int64 {
	return int64(MaxNodeSize+nodeAlign) + int64(len(e.Key)) + int64(e.EncodedSize())
}

func (s *SkipList) IncrRef() {
	atomic.AddInt32(&s.ref, 1)
}

// DecrRef decrements the refcount, deallocating the Skiplist when done using it
func (s *SkipList) DecrRef() {
	newRef := atomic.AddInt32(&s.ref, -1)
	if newRef > 0 {
		return
	}
	if s.OnClose != nil {
		s.OnClose()
	}

	// Indicate we are closed. Good for testing.  Also, lets GC reclaim memory. Race condition
	// here would suggest we are accessing skiplist when we are supposed to have no reference!
	s.memPool = nil
}

func (n *node) getValueOffset() (uint32, uint32) {
	value := atomic.LoadUint64(&n.value)
	return decodeValue(value)
}

func (n *node) key(memPool *MemPool) []byte {
	return memPool.getKey(n.keyOffset, n.keySize)
}

func (n *node) setValue(vo uint64) {
	atomic.StoreUint64(&n.value, vo)
}

func (n *node) getNextOffset(h int) uint32 {
	return atomic.LoadUint32(&n.tower[h])
}

func (n *node) casNextOffset(h int, old, val uint32) bool {
	return atomic.CompareAndSwapUint32(&n.tower[h], old, val)
}

// getVs return ValueStruct stored in node
func (n *node) getVs(memPool *MemPool) utils.ValueStruct {
	valOffset, valSize := n.getValueOffset()
	return memPool.getVal(valOffset, valSize)
}

func (s *SkipList) getHeight() int32 {
	return atomic.LoadInt32(&s.height)
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && rand.Uint32() <= heightIncrease {
		h++
	}
	return h
}

func (s *SkipList) getNext(nd *node, height int) *node {
	return s.memPool.getNode(nd.getNextOffset(height))
}

func (s *SkipList) getHead() *node {
	return s.memPool.getNode(s.headOffset)
}

// Put inserts e. e.Key must be a valid internal key. Putting an existing key
// replaces its value.
func (s *SkipList) Put(e *utils.Entry) {
	// Since we allow overwrite, we may not need to create a new node. We might not even need to
	// increase the height. Let's defer these actions.
	key, v := e.Key, utils.ValueStruct{
		Meta:      e.Meta,
		Value:     e.Value,
		ExpiresAt: e.ExpiresAt,
	}

	listHeight := s.getHeight()
	var prev [maxHeight + 1]uint32
	var next [maxHeight + 1]uint32
	prev[listHeight] = s.headOffset
	for i := int(listHeight) - 1; i >= 0; i-- {
		// Use higher level to speed up for current level.
		prev[i], next[i] = s.findSpliceForLevel(key, prev[i+1], i)
		if prev[i] == next[i] {
			vo := s.memPool.putVal(v)
			encValue := encodeValue(vo, v.EncodedSize())
			prevNode := s.memPool.getNode(prev[i])
			prevNode.setValue(encValue)
			return
		}
	}

	// We do need to create a new node.
	newHeight := s.randomHeight()
	x := newNode(s.memPool, key, v, newHeight)

	// Try to increase s.height via CAS.
	listHeight = s.getHeight()
	for newHeight > int(listHeight) {
		if atomic.CompareAndSwapInt32(&s.height, listHeight, int32(newHeight)) {
			// Successfully increased skiplist.height.
			break
		}
		listHeight = s.getHeight()
	}

	// We always insert from the base level and up. After you add a node in base level, we cannot
	// create a node in the level above because it would have discovered the node in the base level.
	for i := 0; i < newHeight; i++ {
		for {
			if s.memPool.getNode(prev[i]) == nil {
				utils.CondPanic(i <= 1, errors.New("skiplist: missing splice at base level"))
				// We haven't computed prev, next for this level because height exceeds old listHeight.
				// For these levels, we expect the lists to be sparse, so we can just search from head.
				prev[i], next[i] = s.findSpliceForLevel(key, s.headOffset, i)
				// Someone adds the exact same key before we are able to do so. This can only happen on
				// the base level. But we know we are not on the base level.
				utils.CondPanic(prev[i] == next[i], errors.New("skiplist: equality above base level"))
			}
			x.tower[i] = next[i]
			pnode := s.memPool.getNode(prev[i])
			if pnode.casNextOffset(i, next[i], s.memPool.getNodeOffset(x)) {
				// Managed to insert x between prev[i] and next[i]. Go to the next level.
				break
			}
			// CAS failed. We need to recompute prev and next.
			// It is unlikely to be helpful to try to use a different level as we redo the search,
			// because it is unlikely that lots of nodes are inserted between prev[i] and next[i].
			prev[i], next[i] = s.findSpliceForLevel(key, prev[i], i)
			if prev[i] == next[i] {
				utils.CondPanic(i != 0, errors.Errorf("skiplist: equality can happen only on base level, got %d", i))
				vo := s.memPool.putVal(v)
				encValue := encodeValue(vo, v.EncodedSize())
				prevNode := s.memPool.getNode(prev[i])
				prevNode.setValue(encValue)
				return
			}
		}
	}
}

// findSpliceForLevel returns (outBefore, outAfter) with outBefore.key <= key <= outAfter.key.
// The input "before" tells us where to start looking.
// If we found a node with the same key, then we return outBefore = outAfter.
// Otherwise, outBefore.key < key < outAfter.key.
func (s *SkipList) findSpliceForLevel(key []byte, before uint32, level int) (uint32, uint32) {
	for {
		// Assume before.key < key.
		beforeNode := s.memPool.getNode(before)
		next := beforeNode.getNextOffset(level)
		nextNode := s.memPool.getNode(next)
		if nextNode == nil {
			return before, next
		}
		nextKey := nextNode.key(s.memPool)
		cmp := utils.CompareKeys(key, nextKey)
		if cmp == 0 {
			// Equality case.
			return next, next
		}
		if cmp < 0 {
			// before.key < key < next.key. We are done for this level.
			return before, next
		}
		before = next // Keep moving right on this level.
	}
}

// findNear finds the node near to key.
// If less=true, it finds rightmost node such that node.key < key (if allowEqual=false) or
// node.key <= key (if allowEqual=true).
// If less=false, it finds leftmost node such that node.key > key (if allowEqual=false) or
// node.key >= key (if allowEqual=true).
// Returns the node found. The bool returned is true if the node has key equal to given key.
func (s *SkipList) findNear(key []byte, less bool, allowEqual bool) (*node, bool) {
	x := s.getHead()
	level := int(s.getHeight() - 1)
	for {
		// Assume x.key < key.
		next := s.getNext(x, level)
		if next == nil {
			// x.key < key < END OF LIST
			if level > 0 {
				// Can descend further to iterate closer to the end.
				level--
				continue
			}
			// Level=0. Cannot descend further. Let's return something that makes sense.
			if !less {
				return nil, false
			}
			// Try to return x. Make sure it is not a head node.
			if x == s.getHead() {
				return nil, false
			}
			return x, false
		}

		nextKey := next.key(s.memPool)
		cmp := utils.CompareKeys(key, nextKey)
		if cmp > 0 {
			// x.key < next.key < key. We can continue to move right.
			x = next
			continue
		}
		if cmp == 0 {
			// x.key < key == next.key.
			if allowEqual {
				return next, true
			}
			if !less {
				// We want >, so go to base level to grab the next bigger note.
				return s.getNext(next, 0), false
			}
			// We want <. If not base level, we should go closer in the next level.
			if level > 0 {
				level--
				continue
			}
			// On base level. Return x.
			if x == s.getHead() {
				return nil, false
			}
			return x, false
		}
		// cmp < 0. In other words, x.key < key < next.
		if level > 0 {
			level--
			continue
		}
		// At base level. Need to return something.
		if !less {
			return next, false
		}
		// Try to return x. Make sure it is not a head node.
		if x == s.getHead() {
			return nil, false
		}
		return x, false
	}
}

// Get returns the entry at or after ikey when it has the same user key.
func (s *SkipList) Get(ikey []byte) (utils.ValueStruct, []byte, bool) {
	n, _ := s.findNear(ikey, false, true) // findGreaterOrEqual.
	if n == nil {
		return utils.ValueStruct{}, nil, false
	}
	nextKey := n.key(s.memPool)
	if !utils.SameKey(ikey, nextKey) {
		return utils.ValueStruct{}, nil, false
	}
	vs := n.getVs(s.memPool)
	vs.Version = utils.ParseSeq(nextKey)
	return vs, nextKey, true
}

// Empty reports whether the list holds no entry.
func (s *SkipList) Empty() bool {
	return s.getNext(s.getHead(), 0) == nil
}

// MemSize returns the size of the Skiplist in terms of how much memory is used within its internal
// arena.
func (s *SkipList) MemSize() int64 { return s.memPool.size() }

// Cap is the arena size.
func (s *SkipList) Cap() int64 { return s.memPool.capacity() }

type SkipListIterator struct {
	list *SkipList
	n    *node
}

// NewSkipListIterator returns an iterator holding a reference on the list
// until it is closed.
func (s *SkipList) NewSkipListIterator() *SkipListIterator {
	s.IncrRef()
	return &SkipListIterator{list: s}
}

func (s *SkipListIterator) Next() {
	utils.CondPanic(!s.Valid(), errors.New("skiplist iterator: Next on invalid iterator"))
	s.n = s.list.getNext(s.n, 0)
}

func (s *SkipListIterator) Valid() bool {
	return s.n != nil
}

func (s *SkipListIterator) Rewind() {
	s.SeekToFirst()
}

func (s *SkipListIterator) Item() utils.Item {
	vs := s.Value()
	key := s.Key()
	return &utils.Entry{
		Key:       key,
		Value:     vs.Value,
		ExpiresAt: vs.ExpiresAt,
		Meta:      vs.Meta,
		Version:   utils.ParseSeq(key),
	}
}

func (s *SkipListIterator) Close() error {
	s.list.DecrRef()
	return nil
}

func (s *SkipListIterator) Seek(target []byte) {
	s.n, _ = s.list.findNear(target, false, true) // find >=.
}

// Key returns the key at the current position.
func (s *SkipListIterator) Key() []byte {
	return s.n.key(s.list.memPool)
}

// Value returns value.
func (s *SkipListIterator) Value() utils.ValueStruct {
	return s.n.getVs(s.list.memPool)
}

// SeekToFirst seeks position at the first entry in list.
// Final state of iterator is Valid() iff list is not empty.
func (s *SkipListIterator) SeekToFirst() {
	s.n = s.list.getNext(s.list.getHead(), 0)
}
