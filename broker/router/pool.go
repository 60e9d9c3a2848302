// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// Pool for candidate slices to reduce allocations in Match().
var entrySlicePool = sync.Pool{
	New: func() any {
		s := make([]*Entry, 0, 64)
		return &s
	},
}

// AcquireEntrySlice gets an entry slice from the pool.
// The returned slice must be returned via ReleaseEntrySlice when done.
func AcquireEntrySlice() *[]*Entry {
	return entrySlicePool.Get().(*[]*Entry)
}

// ReleaseEntrySlice returns an entry slice to the pool after resetting it.
func ReleaseEntrySlice(s *[]*Entry) {
	if s == nil {
		return
	}
	clear(*s)
	*s = (*s)[:0]
	entrySlicePool.Put(s)
}
