package core

import (
	"sync"
)

// CaseLocks is a keyed mutex serializing mutations of one case
type CaseLocks struct {
	mu    sync.Mutex
	locks map[int64]*caseLock
}

type caseLock struct {
	mu   sync.Mutex
	refs int
}

// NewCaseLocks creates an empty lock table
func NewCaseLocks() *CaseLocks {
	return &CaseLocks{locks: make(map[int64]*caseLock)}
}

// Lock acquires the lock for id and returns its release function
func (c *CaseLocks) Lock(id int64) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &caseLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

// Len returns the number of ids currently locked or waited on
func (c *CaseLocks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
