package lsm

import (
	"github.com/Kirov7/FayLSM/utils"
)

// Iterator merges sorted iterators into a single stream in internal key
// order. Every version of a key is returned, newest first.
type Iterator struct {
	iters   []utils.Iterator
	cur     int
	onClose func()
	closed  bool
}

// NewMergeIterator takes ownership of iters. onClose, when not nil, runs once
// after every source is closed.
func NewMergeIterator(iters []utils.Iterator, onClose func()) *Iterator {
	return &Iterator{iters: iters, cur: -1, onClose: onClose}
}

// pick selects the iterator positioned at the smallest key.
func (iter *Iterator) pick() {
	iter.cur = -1
	for i, it := range iter.iters {
		if !it.Valid() {
			continue
		}
		if iter.cur < 0 || utils.CompareKeys(it.Item().Entry().Key, iter.iters[iter.cur].Item().Entry().Key) < 0 {
			iter.cur = i
		}
	}
}

func (iter *Iterator) Next() {
	if iter.cur < 0 {
		return
	}
	iter.iters[iter.cur].Next()
	iter.pick()
}

func (iter *Iterator) Valid() bool {
	return iter.cur >= 0
}

func (iter *Iterator) Rewind() {
	for _, it := range iter.iters {
		it.Rewind()
	}
	iter.pick()
}

func (iter *Iterator) Item() utils.Item {
	return iter.iters[iter.cur].Item()
}

func (iter *Iterator) Seek(key []byte) {
	for _, it := range iter.iters {
		it.Seek(key)
	}
	iter.pick()
}

// Close closes every source and returns the first error met.
func (iter *Iterator) Close() error {
	if iter.closed {
		return nil
	}
	iter.closed = true
	var err error
	for _, it := range iter.iters {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if iter.onClose != nil {
		iter.onClose()
	}
	return err
}
