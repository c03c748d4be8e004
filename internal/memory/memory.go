// Package memory gives the analysis modules a uniform view of a state's
// address space: careful concrete reads, substring search, and a vmmap-style
// region table.
package memory

import (
	"fmt"

	"github.com/LJP-TW/CRAXplusplus/internal/engine"
)

// Memory wraps one execution state.
type Memory struct {
	state engine.State
}

// For returns the memory view of a state.
func For(s engine.State) *Memory {
	return &Memory{state: s}
}

// ReadConcrete reads n bytes at addr byte by byte. Symbolic bytes are read
// through to their backing value without concretizing the state. A fault on
// any byte fails the whole read.
func (m *Memory) ReadConcrete(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		b, err := m.state.MemRead(a, 1)
		if err != nil {
			return nil, fmt.Errorf("concrete read of %d bytes at %#x: %w", n, addr, err)
		}
		out[i] = b[0]
	}
	return out, nil
}

// ReadWord reads one little-endian word at addr.
func (m *Memory) ReadWord(addr uint64) (uint64, error) {
	b, err := m.ReadConcrete(addr, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// IsSymbolic reports whether any of the n bytes at addr is symbolic.
func (m *Memory) IsSymbolic(addr uint64, n int) bool {
	return m.state.IsSymbolic(addr, n)
}

// Search returns the start addresses of every occurrence of needle in the
// state's mapped memory. Each region is scanned independently; a needle
// spanning two regions is not found, since nothing contiguous spans them at
// runtime either.
func (m *Memory) Search(needle []byte) []uint64 {
	if len(needle) == 0 {
		return nil
	}
	var out []uint64
	for _, r := range m.Map().Regions {
		data, err := m.ReadConcrete(r.Start, int(r.Size()))
		if err != nil {
			continue
		}
		for _, off := range kmpSearch(data, needle) {
			out = append(out, r.Start+uint64(off))
		}
	}
	return out
}

// kmpSearch returns every offset of needle in haystack using
// Knuth-Morris-Pratt, so large regions scan in linear time.
func kmpSearch(haystack, needle []byte) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}

	// Failure function: fail[i] is the length of the longest proper
	// prefix of needle[:i+1] that is also a suffix.
	fail := make([]int, len(needle))
	k := 0
	for i := 1; i < len(needle); i++ {
		for k > 0 && needle[k] != needle[i] {
			k = fail[k-1]
		}
		if needle[k] == needle[i] {
			k++
		}
		fail[i] = k
	}

	var out []int
	k = 0
	for i := 0; i < len(haystack); i++ {
		for k > 0 && needle[k] != haystack[i] {
			k = fail[k-1]
		}
		if needle[k] == haystack[i] {
			k++
		}
		if k == len(needle) {
			out = append(out, i-len(needle)+1)
			k = fail[k-1]
		}
	}
	return out
}
