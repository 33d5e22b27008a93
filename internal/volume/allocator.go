// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package volume

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrOutOfMemory = errors.New("staging memory limit reached")

// HeapAllocator hands out staging buffers from the Go heap up to a fixed
// budget. The outstanding byte count makes leaked buffers visible.
type HeapAllocator struct {
	mu          sync.Mutex
	limit       int
	outstanding int
}

func NewHeapAllocator(limit int) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

func (a *HeapAllocator) Allocate(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return nil, errors.Errorf("invalid allocation size %d", n)
	}
	if n > a.limit-a.outstanding {
		return nil, errors.Wrapf(ErrOutOfMemory, "%d bytes requested, %d of %d in use", n, a.outstanding, a.limit)
	}
	a.outstanding += n
	return make([]byte, n), nil
}

func (a *HeapAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outstanding -= cap(buf)
	if a.outstanding < 0 {
		a.outstanding = 0
	}
}

// Outstanding returns the number of bytes allocated and not yet freed
func (a *HeapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding
}
