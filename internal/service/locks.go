package service

import (
	"sync"
)

// itemLocks serializes loan mutations per item id. The map only ever grows;
// the lock footprint is one mutex per item that saw a mutation, which is
// acceptable for the dataset sizes this service handles.
type itemLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newItemLocks() *itemLocks {
	return &itemLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (il *itemLocks) lock(itemID string) (unlock func()) {
	il.mu.Lock()
	m, ok := il.locks[itemID]
	if !ok {
		m = &sync.Mutex{}
		il.locks[itemID] = m
	}
	il.mu.Unlock()

	m.Lock()
	return m.Unlock
}
