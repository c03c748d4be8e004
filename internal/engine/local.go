package engine

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

// LocalState is the in-memory State backend. It backs tests directly and
// wraps the emulator-driven states through the same interface.
type LocalState struct {
	id      int
	regions []Region
	mem     map[uint64]byte
	sym     map[uint64]bool

	regs      [numRegisters]uint64
	regSym    [numRegisters]bool
	regExprs  [numRegisters]expr.Expr
	regOrigin [numRegisters]uint64

	inputAddr uint64
	inputBase int
	inputLen  int

	// memConstraints maps an address to its required byte value.
	memConstraints map[uint64]byte

	dead   bool
	reason string
}

// NewLocalState creates an empty state with the given ID.
func NewLocalState(id int) *LocalState {
	return &LocalState{
		id:             id,
		mem:            make(map[uint64]byte),
		sym:            make(map[uint64]bool),
		memConstraints: make(map[uint64]byte),
	}
}

func (s *LocalState) ID() int { return s.id }

// MapRegion adds a mapped region. Overlapping maps are the caller's bug.
func (s *LocalState) MapRegion(r Region) {
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Start < s.regions[j].Start
	})
}

func (s *LocalState) Regions() []Region {
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

func (s *LocalState) IsMapped(addr uint64) bool {
	for _, r := range s.regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *LocalState) MemRead(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		if !s.IsMapped(a) {
			return nil, fmt.Errorf("read fault at %#x", a)
		}
		out[i] = s.mem[a]
	}
	return out, nil
}

func (s *LocalState) MemWrite(addr uint64, b []byte) error {
	for i, v := range b {
		a := addr + uint64(i)
		if !s.IsMapped(a) {
			return fmt.Errorf("write fault at %#x", a)
		}
		s.mem[a] = v
		delete(s.sym, a)
	}
	return nil
}

func (s *LocalState) IsSymbolic(addr uint64, n int) bool {
	for i := 0; i < n; i++ {
		if s.sym[addr+uint64(i)] {
			return true
		}
	}
	return false
}

func (s *LocalState) IsSymbolicByte(addr uint64) bool {
	return s.sym[addr]
}

func (s *LocalState) MarkSymbolic(addr uint64, n int) {
	for i := 0; i < n; i++ {
		s.sym[addr+uint64(i)] = true
	}
}

func (s *LocalState) RegRead(reg Register) uint64 {
	return s.regs[reg]
}

func (s *LocalState) RegWrite(reg Register, value uint64) {
	s.regs[reg] = value
	s.regSym[reg] = false
	s.regExprs[reg] = nil
	s.regOrigin[reg] = 0
}

func (s *LocalState) RegIsSymbolic(reg Register) bool {
	return s.regSym[reg]
}

func (s *LocalState) RegExpr(reg Register) (expr.Expr, bool) {
	if !s.regSym[reg] {
		return nil, false
	}
	return s.regExprs[reg], true
}

func (s *LocalState) MarkRegSymbolic(reg Register, e expr.Expr, origin uint64) {
	s.regSym[reg] = true
	s.regExprs[reg] = e
	s.regOrigin[reg] = origin
}

func (s *LocalState) ConstrainRegister(reg Register, value uint64) bool {
	if !s.regSym[reg] {
		return s.regs[reg] == value
	}
	// A symbolic register's value was loaded from somewhere. When the load
	// address is known, the constraint lands on those input bytes so
	// SolveInput can honor it.
	if origin := s.regOrigin[reg]; origin != 0 {
		if !s.ConstrainMemory(origin, value) {
			return false
		}
	}
	s.regs[reg] = value
	log.L.Constrain(reg.String(), log.Hex(value))
	return true
}

func (s *LocalState) ConstrainMemory(addr uint64, value uint64) bool {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], value)
	for i, v := range word {
		a := addr + uint64(i)
		if !s.sym[a] {
			if s.mem[a] != v {
				return false
			}
			continue
		}
		if prev, ok := s.memConstraints[a]; ok && prev != v {
			return false
		}
		s.memConstraints[a] = v
	}
	log.L.Constrain(log.Hex(addr), log.Hex(value))
	return true
}

func (s *LocalState) RecordInput(addr uint64, base, n int) {
	s.inputAddr = addr
	s.inputBase = base
	s.inputLen = n
	s.MarkSymbolic(addr, n)
	log.L.Debug("recorded input window",
		log.Ptr("address", addr),
		zap.Int("base", base),
		zap.Int("len", n))
}

func (s *LocalState) SolveInput() ([]byte, error) {
	if s.inputLen == 0 {
		return nil, fmt.Errorf("state %d has no input window", s.id)
	}
	out := make([]byte, s.inputLen)
	for i := range out {
		a := s.inputAddr + uint64(i)
		if v, ok := s.memConstraints[a]; ok {
			out[i] = v
		} else {
			out[i] = s.mem[a]
		}
	}
	return out, nil
}

func (s *LocalState) Fork(newID int) State {
	child := NewLocalState(newID)
	child.regions = append([]Region(nil), s.regions...)
	for a, v := range s.mem {
		child.mem[a] = v
	}
	for a := range s.sym {
		child.sym[a] = true
	}
	for a, v := range s.memConstraints {
		child.memConstraints[a] = v
	}
	child.regs = s.regs
	child.regSym = s.regSym
	child.regExprs = s.regExprs
	child.regOrigin = s.regOrigin
	child.inputAddr = s.inputAddr
	child.inputBase = s.inputBase
	child.inputLen = s.inputLen
	return child
}

func (s *LocalState) Terminate(reason string) {
	s.dead = true
	s.reason = reason
	log.L.WithState(s.id).Info("state terminated", zap.String("reason", reason))
}

func (s *LocalState) Terminated() (bool, string) {
	return s.dead, s.reason
}
