package typesys

import "sync"

// MetadataLock serializes compilation against the metadata store. The
// compiler holds the write side while it prepares a method; the initializer
// manager drops it around every blocking wait and around initializer bodies.
type MetadataLock struct {
	rw sync.RWMutex
}

// Lock takes the write side.
func (l *MetadataLock) Lock() { l.rw.Lock() }

// Unlock drops the write side.
func (l *MetadataLock) Unlock() { l.rw.Unlock() }

// RLock takes the read side.
func (l *MetadataLock) RLock() { l.rw.RLock() }

// RUnlock drops the read side.
func (l *MetadataLock) RUnlock() { l.rw.RUnlock() }

// Release gives up the write side held by the caller.
func (l *MetadataLock) Release() { l.rw.Unlock() }

// Reacquire takes the write side back after Release.
func (l *MetadataLock) Reacquire() { l.rw.Lock() }
