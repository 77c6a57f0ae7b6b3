// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"fmt"
	"sync"
)

// ChunkAssembler rebuilds one message that was transmitted as multiple
// fragments. Fragments arrive in arbitrary order from concurrent transport
// goroutines; the assembler keeps them by index and reports completion once
// every declared index has been stored.
type ChunkAssembler struct {
	mutex     sync.Mutex
	fragments [][]byte
	present   []bool
	filled    int
	length    int
}

// NewChunkAssembler creates an assembler for a message declared to consist
// of total fragments, total >= 1.
func NewChunkAssembler(total int) *ChunkAssembler {
	return &ChunkAssembler{
		fragments: make([][]byte, total),
		present:   make([]bool, total),
	}
}

// AddFragment stores the fragment with the given zero-based index. An index
// at or beyond the declared fragment count is a protocol violation. An index
// stored before is ignored since transport retries may deliver a fragment
// twice.
func (assembler *ChunkAssembler) AddFragment(index int, data []byte) error {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()

	if len(assembler.fragments) == 0 {
		// Already reassembled; a straggling redelivery.
		return nil
	}
	if index < 0 || index >= len(assembler.fragments) {
		return fmt.Errorf("fragment index %d outside the declared count %d",
			index, len(assembler.fragments))
	}
	if assembler.present[index] {
		return nil
	}

	assembler.fragments[index] = data
	assembler.present[index] = true
	assembler.filled++
	assembler.length += len(data)

	return nil
}

// FillCount returns the number of distinct fragment indices stored so far.
func (assembler *ChunkAssembler) FillCount() int {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()

	return assembler.filled
}

// IsComplete reports whether every declared fragment has been stored.
func (assembler *ChunkAssembler) IsComplete() bool {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()

	return assembler.filled == len(assembler.fragments)
}

// Reassemble concatenates the fragments in ascending index order into the
// original payload and clears the assembler's state. It must be called at
// most once, after IsComplete reports true; callers serialize this through
// the chunk table removal.
func (assembler *ChunkAssembler) Reassemble() []byte {
	assembler.mutex.Lock()
	defer assembler.mutex.Unlock()

	payload := make([]byte, 0, assembler.length)
	for _, fragment := range assembler.fragments {
		payload = append(payload, fragment...)
	}

	assembler.fragments = nil
	assembler.present = nil
	assembler.filled = 0
	assembler.length = 0

	return payload
}
