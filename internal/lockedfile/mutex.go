// Copyright 2024 The delta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockedfile provides an advisory file mutex shared between
// processes on the same host.
package lockedfile

import (
	"fmt"
	"os"
	"sync"
)

// Mutex provides mutual exclusion within and across processes by locking a
// well-known file.
type Mutex struct {
	Path string

	mu sync.Mutex // serializes goroutines of this process
}

// MutexAt returns a new Mutex with Path set to the given non-empty path.
func MutexAt(path string) *Mutex {
	if path == "" {
		panic("lockedfile.MutexAt: path must be non-empty")
	}
	return &Mutex{Path: path}
}

func (mu *Mutex) String() string {
	return fmt.Sprintf("lockedfile.Mutex(%s)", mu.Path)
}

// Lock attempts to lock the Mutex, blocking until it is available.
// On success it returns a function that releases the lock.
func (mu *Mutex) Lock() (unlock func(), err error) {
	if mu.Path == "" {
		panic("lockedfile.Mutex: missing Path during Lock")
	}

	mu.mu.Lock()
	f, err := os.OpenFile(mu.Path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		mu.mu.Unlock()
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.mu.Unlock()
		return nil, &os.PathError{Op: "lock", Path: mu.Path, Err: err}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockFile(f)
			f.Close()
			mu.mu.Unlock()
		})
	}, nil
}
