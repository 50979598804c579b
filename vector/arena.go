// Copyright 2024 The Udfc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"sync"
	"unsafe"
)

const DefaultArenaChunkBytes = 64 * 1024

var chunkPool = sync.Pool{}

// Arena hands out string memory for one batch evaluation. Strings it returns point into its chunks and stay valid
// until Release; the caller copies results out before releasing. An Arena is not safe for concurrent allocation,
// parallel evaluation gives each chunk of rows its own Arena and merges them back with Adopt.
type Arena struct {
	chunkBytes int
	chunks     [][]byte
	cur        []byte
	stats      ArenaStats
	lock       sync.Mutex
}

type ArenaStats struct {
	Allocs int
	Bytes  int
}

func NewArena(chunkBytes int) *Arena {
	if chunkBytes <= 0 {
		chunkBytes = DefaultArenaChunkBytes
	}
	return &Arena{chunkBytes: chunkBytes}
}

// NewChild returns an empty arena with the same chunk size.
func (a *Arena) NewChild() *Arena {
	if a == nil {
		return nil
	}
	return NewArena(a.chunkBytes)
}

func (a *Arena) Alloc(n int) []byte {
	a.stats.Allocs++
	a.stats.Bytes += n
	if n > a.chunkBytes/4 {
		// large values get their own chunk and do not disturb the current one
		buf := make([]byte, n)
		a.chunks = append(a.chunks, buf)
		return buf
	}
	if len(a.cur) < n {
		a.cur = a.newChunk()
		a.chunks = append(a.chunks, a.cur)
	}
	buf := a.cur[:n:n]
	a.cur = a.cur[n:]
	return buf
}

func (a *Arena) newChunk() []byte {
	if p, ok := chunkPool.Get().(*[]byte); ok && cap(*p) >= a.chunkBytes {
		return (*p)[:a.chunkBytes]
	}
	return make([]byte, a.chunkBytes)
}

// Concat returns x + y. With a nil arena the result is heap allocated.
func (a *Arena) Concat(x string, y string) string {
	if a == nil {
		return x + y
	}
	if y == "" {
		return x
	}
	if x == "" {
		return y
	}
	buf := a.Alloc(len(x) + len(y))
	copy(buf, x)
	copy(buf[len(x):], y)
	return bytesToString(buf)
}

// Bytes returns a string holding a copy of b.
func (a *Arena) Bytes(b []byte) string {
	if a == nil {
		return string(b)
	}
	if len(b) == 0 {
		return ""
	}
	buf := a.Alloc(len(b))
	copy(buf, b)
	return bytesToString(buf)
}

// Adopt takes ownership of the chunks of other, which must no longer be used for allocation.
func (a *Arena) Adopt(other *Arena) {
	if a == nil || other == nil {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.chunks = append(a.chunks, other.chunks...)
	a.stats.Allocs += other.stats.Allocs
	a.stats.Bytes += other.stats.Bytes
	other.chunks = nil
	other.cur = nil
}

func (a *Arena) Stats() ArenaStats {
	if a == nil {
		return ArenaStats{}
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.stats
}

// Release returns the chunks to the pool. Strings handed out by the arena must not be used afterwards.
func (a *Arena) Release() {
	if a == nil {
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, chunk := range a.chunks {
		if cap(chunk) == a.chunkBytes {
			c := chunk[:0]
			chunkPool.Put(&c)
		}
	}
	a.chunks = nil
	a.cur = nil
	a.stats = ArenaStats{}
}

func bytesToString(bs []byte) string {
	if len(bs) == 0 {
		return ""
	}
	return unsafe.String(&bs[0], len(bs))
}
