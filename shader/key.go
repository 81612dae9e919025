/*
   shader - three-tier persistent shader artifact cache.

   Copyright (c) 2024, Richard Cornwell

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

// Package shader turns guest shader bytecode into host graphics pipeline
// bytes without ever blocking the render thread: an in-process L1 LRU, an
// on-disk per-artifact L2, and an append-only compressed L3 archive, all
// keyed by a content hash that also binds the artifact to the host it was
// compiled for.
package shader

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Key is the 64-bit content hash identifying one compiled artifact: guest
// shader bytecode, compile options, and the host-identity string it was
// built against. Two lookups for the same bytecode and options on the
// same host always land on the same Key; changing host identity changes
// every Key, which is what makes "discard on identity mismatch" work
// without inspecting individual files.
type Key uint64

// ComputeKey is a pure function of its inputs: re-hashing the same
// bytecode and options on the same host always yields the same Key,
// independent of whether the host shader compiler itself is
// deterministic (only the key is required to be).
func ComputeKey(bytecode []byte, options string, hostIdentity string) Key {
	h := xxhash.New()
	_, _ = h.Write(bytecode)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(bytecode)))
	_, _ = h.Write(lenBuf[:]) // length-prefix style separator so bytecode/options can't collide across the boundary
	_, _ = h.Write([]byte(options))
	_, _ = h.Write([]byte(hostIdentity))
	return Key(h.Sum64())
}
