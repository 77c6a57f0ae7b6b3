// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package hash provides the incremental BLAKE3 transcript hashing parties
// run over exchanged payloads. A Hasher absorbs data across the whole
// exchange; CumulativeHash snapshots the digest so far without disturbing
// the running state, so parties can compare transcripts at any point and
// keep going.
package hash

import (
	"fmt"

	"lukechampine.com/blake3"
)

// MaxDigestSize is the largest digest a Hasher emits, the full BLAKE3
// output length.
const MaxDigestSize = 32

// Hasher is an incremental BLAKE3 hash with a fixed digest size.
//
// A Hasher is not safe for concurrent use.
type Hasher struct {
	digestSize int
	inner      *blake3.Hasher
}

// NewHasher creates a Hasher emitting digests of digestSize bytes, which
// must be in (0, MaxDigestSize].
func NewHasher(digestSize int) (*Hasher, error) {
	if digestSize <= 0 || digestSize > MaxDigestSize {
		return nil, fmt.Errorf("digest size %d is outside (0, %d]", digestSize, MaxDigestSize)
	}

	return &Hasher{
		digestSize: digestSize,
		inner:      blake3.New(digestSize, nil),
	}, nil
}

// DigestSize returns the size of the emitted digests in bytes.
func (hasher *Hasher) DigestSize() int {
	return hasher.digestSize
}

// Update absorbs data into the running hash.
func (hasher *Hasher) Update(data []byte) {
	_, _ = hasher.inner.Write(data)
}

// Write absorbs p, implementing io.Writer for absorbing from a stream.
func (hasher *Hasher) Write(p []byte) (int, error) {
	hasher.Update(p)
	return len(p), nil
}

// CumulativeHash returns the digest of everything absorbed so far. The
// running state stays untouched, later Updates continue from here.
func (hasher *Hasher) CumulativeHash() []byte {
	return hasher.inner.Sum(nil)
}

// Reset drops everything absorbed so far.
func (hasher *Hasher) Reset() {
	hasher.inner.Reset()
}
