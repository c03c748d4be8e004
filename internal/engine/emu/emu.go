// Package emu provides a concrete x86-64 execution-state backend on
// Unicorn Engine. It replays the target for real while the analysis
// modules observe it through the executor's hooks: memory and registers
// live in Unicorn, and the symbolic shadow (which bytes derive from
// stdin) is tracked alongside. Forking snapshots the guest into a
// pure-Go state that captures the fork point without duplicating the
// emulator; forked snapshots are inspected, not re-executed.
package emu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/memory"
)

// Memory layout constants
const (
	// DefaultPieBase is where PIE targets are loaded.
	DefaultPieBase = 0x555555554000

	StackBase = 0x7ffffffde000
	StackSize = 0x00022000

	pageSize = 0x1000
)

var ucRegs = map[engine.Register]int{
	engine.RAX: uc.X86_REG_RAX,
	engine.RBX: uc.X86_REG_RBX,
	engine.RCX: uc.X86_REG_RCX,
	engine.RDX: uc.X86_REG_RDX,
	engine.RSI: uc.X86_REG_RSI,
	engine.RDI: uc.X86_REG_RDI,
	engine.RBP: uc.X86_REG_RBP,
	engine.RSP: uc.X86_REG_RSP,
	engine.R8:  uc.X86_REG_R8,
	engine.R9:  uc.X86_REG_R9,
	engine.R10: uc.X86_REG_R10,
	engine.R11: uc.X86_REG_R11,
	engine.R12: uc.X86_REG_R12,
	engine.R13: uc.X86_REG_R13,
	engine.R14: uc.X86_REG_R14,
	engine.R15: uc.X86_REG_R15,
	engine.RIP: uc.X86_REG_RIP,
}

// State is a concrete execution state backed by Unicorn.
type State struct {
	id int
	mu uc.Unicorn

	exec *engine.Executor

	regions []engine.Region

	// Symbolic shadow over the concrete guest.
	sym       map[uint64]bool
	regSym    map[engine.Register]bool
	regExprs  map[engine.Register]expr.Expr
	regOrigin map[engine.Register]uint64

	memConstraints map[uint64]byte
	inputAddr      uint64
	inputBase      int
	inputLen       int

	stdin         *bytes.Reader
	stdout        bytes.Buffer
	consumedInput int

	lastPC uint64
	havePC bool

	dead   bool
	reason string
}

// New creates an x86-64 Unicorn-backed state.
func New(id int) (*State, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	return &State{
		id:             id,
		mu:             mu,
		sym:            make(map[uint64]bool),
		regSym:         make(map[engine.Register]bool),
		regExprs:       make(map[engine.Register]expr.Expr),
		regOrigin:      make(map[engine.Register]uint64),
		memConstraints: make(map[uint64]byte),
		stdin:          bytes.NewReader(nil),
	}, nil
}

// Close releases the emulator.
func (s *State) Close() error { return s.mu.Close() }

// SetStdin replaces the bytes the guest's stdin reads return.
func (s *State) SetStdin(data []byte) {
	s.stdin = bytes.NewReader(data)
	s.consumedInput = 0
}

// Stdout returns everything the guest wrote to stdout so far.
func (s *State) Stdout() []byte { return s.stdout.Bytes() }

// LoadELF maps the image's load segments and a stack, and points the
// instruction and stack pointers at the entry and stack top.
func (s *State) LoadELF(image *elf.ELF) error {
	if image.IsPIE() && image.Base() == 0 {
		image.SetBase(DefaultPieBase)
	}
	base := image.Base()

	for _, seg := range image.Segments {
		start := alignDown(base + seg.VAddr)
		end := alignUp(base + seg.VAddr + seg.Memsz)
		if err := s.mapAligned(engine.Region{
			Start:  start,
			End:    end,
			R:      true,
			W:      seg.IsWritable(),
			X:      seg.IsExecutable(),
			Module: memory.LabelTarget,
		}); err != nil {
			return err
		}
		if len(seg.Data) > 0 {
			if err := s.mu.MemWrite(base+seg.VAddr, seg.Data); err != nil {
				return fmt.Errorf("loading segment at %#x: %w", seg.VAddr, err)
			}
		}
	}

	if err := s.mapAligned(engine.Region{
		Start:  StackBase,
		End:    StackBase + StackSize,
		R:      true,
		W:      true,
		Module: memory.LabelStack,
	}); err != nil {
		return err
	}

	s.RegWrite(engine.RSP, StackBase+StackSize-2*pageSize)
	s.RegWrite(engine.RIP, image.Rebase(image.Entry))
	log.L.Info("image loaded",
		zap.String("path", image.Path),
		log.Ptr("base", base),
		log.Ptr("entry", image.Rebase(image.Entry)))
	return nil
}

// MapRegion maps one page-aligned region into the guest.
func (s *State) MapRegion(r engine.Region) error {
	r.Start = alignDown(r.Start)
	r.End = alignUp(r.End)
	return s.mapAligned(r)
}

func (s *State) mapAligned(r engine.Region) error {
	// Segments of one image may share a page.
	for s.IsMapped(r.Start) && r.Start < r.End {
		r.Start += pageSize
	}
	if r.Start >= r.End {
		return nil
	}
	if err := s.mu.MemMap(r.Start, r.End-r.Start); err != nil {
		return fmt.Errorf("map %#x-%#x: %w", r.Start, r.End, err)
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Start < s.regions[j].Start
	})
	return nil
}

func (s *State) ID() int { return s.id }

func (s *State) Regions() []engine.Region {
	out := make([]engine.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

func (s *State) IsMapped(addr uint64) bool {
	for _, r := range s.regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *State) MemRead(addr uint64, n int) ([]byte, error) {
	b, err := s.mu.MemRead(addr, uint64(n))
	if err != nil {
		return nil, fmt.Errorf("read fault at %#x: %w", addr, err)
	}
	return b, nil
}

func (s *State) MemWrite(addr uint64, b []byte) error {
	if err := s.mu.MemWrite(addr, b); err != nil {
		return fmt.Errorf("write fault at %#x: %w", addr, err)
	}
	for i := range b {
		delete(s.sym, addr+uint64(i))
	}
	return nil
}

func (s *State) IsSymbolic(addr uint64, n int) bool {
	for i := 0; i < n; i++ {
		if s.sym[addr+uint64(i)] {
			return true
		}
	}
	return false
}

func (s *State) IsSymbolicByte(addr uint64) bool { return s.sym[addr] }

func (s *State) MarkSymbolic(addr uint64, n int) {
	for i := 0; i < n; i++ {
		s.sym[addr+uint64(i)] = true
	}
}

func (s *State) RegRead(reg engine.Register) uint64 {
	v, _ := s.mu.RegRead(ucRegs[reg])
	return v
}

func (s *State) RegWrite(reg engine.Register, value uint64) {
	if err := s.mu.RegWrite(ucRegs[reg], value); err != nil {
		log.L.Warn("register write failed",
			log.Reg(reg.String()), zap.Error(err))
		return
	}
	delete(s.regSym, reg)
	delete(s.regExprs, reg)
	delete(s.regOrigin, reg)
}

func (s *State) RegIsSymbolic(reg engine.Register) bool { return s.regSym[reg] }

func (s *State) RegExpr(reg engine.Register) (expr.Expr, bool) {
	if !s.regSym[reg] {
		return nil, false
	}
	return s.regExprs[reg], true
}

func (s *State) MarkRegSymbolic(reg engine.Register, e expr.Expr, origin uint64) {
	s.regSym[reg] = true
	s.regExprs[reg] = e
	s.regOrigin[reg] = origin
}

func (s *State) ConstrainRegister(reg engine.Register, value uint64) bool {
	if !s.regSym[reg] {
		return s.RegRead(reg) == value
	}
	if origin := s.regOrigin[reg]; origin != 0 {
		if !s.ConstrainMemory(origin, value) {
			return false
		}
	}
	// Keep the symbolic marking; only the concrete value moves.
	if err := s.mu.RegWrite(ucRegs[reg], value); err != nil {
		return false
	}
	log.L.Constrain(reg.String(), log.Hex(value))
	return true
}

func (s *State) ConstrainMemory(addr uint64, value uint64) bool {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], value)
	for i, v := range word {
		a := addr + uint64(i)
		if !s.sym[a] {
			b, err := s.mu.MemRead(a, 1)
			if err != nil || b[0] != v {
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

func (s *State) RecordInput(addr uint64, base, n int) {
	s.inputAddr = addr
	s.inputBase = base
	s.inputLen = n
	s.MarkSymbolic(addr, n)
	log.L.Debug("recorded input window",
		log.Ptr("address", addr), zap.Int("base", base), zap.Int("len", n))
}

func (s *State) SolveInput() ([]byte, error) {
	if s.inputLen == 0 {
		return nil, fmt.Errorf("state %d has no input window", s.id)
	}
	out, err := s.mu.MemRead(s.inputAddr, uint64(s.inputLen))
	if err != nil {
		return nil, fmt.Errorf("input window unreadable: %w", err)
	}
	for i := range out {
		if v, ok := s.memConstraints[s.inputAddr+uint64(i)]; ok {
			out[i] = v
		}
	}
	return out, nil
}

// Fork snapshots the guest into a pure-Go state. The snapshot records
// the fork point for later inspection and constraint solving; it is not
// re-executed, so hardened targets rely on the configured input schedule
// rather than replaying forked branches.
func (s *State) Fork(newID int) engine.State {
	ls := engine.NewLocalState(newID)
	for _, r := range s.regions {
		ls.MapRegion(r)
		data, err := s.mu.MemRead(r.Start, r.Size())
		if err != nil {
			log.L.Warn("snapshot read failed",
				log.Ptr("start", r.Start), zap.Error(err))
			continue
		}
		if err := ls.MemWrite(r.Start, data); err != nil {
			log.L.Warn("snapshot write failed",
				log.Ptr("start", r.Start), zap.Error(err))
		}
	}
	for reg := range ucRegs {
		ls.RegWrite(reg, s.RegRead(reg))
	}
	for reg := range s.regSym {
		ls.MarkRegSymbolic(reg, s.regExprs[reg], s.regOrigin[reg])
	}
	if s.inputLen > 0 {
		ls.RecordInput(s.inputAddr, s.inputBase, s.inputLen)
	}
	for a := range s.sym {
		ls.MarkSymbolic(a, 1)
	}
	for a, v := range s.memConstraints {
		var word [8]byte
		b, err := s.mu.MemRead(a, 8)
		if err == nil {
			copy(word[:], b)
		}
		word[0] = v
		ls.ConstrainMemory(a, binary.LittleEndian.Uint64(word[:]))
	}
	return ls
}

func (s *State) Terminate(reason string) {
	if s.dead {
		return
	}
	s.dead = true
	s.reason = reason
	s.mu.Stop()
	log.L.WithState(s.id).Info("state terminated", zap.String("reason", reason))
}

func (s *State) Terminated() (bool, string) { return s.dead, s.reason }

// InstallHooks wires the executor's hook dispatch into the emulator.
func (s *State) InstallHooks(exec *engine.Executor) error {
	s.exec = exec

	_, err := s.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if s.dead {
			s.mu.Stop()
			return
		}
		if s.havePC {
			exec.AfterInstruction(s, s.lastPC)
		}
		exec.BeforeInstruction(s, addr)
		s.lastPC, s.havePC = addr, true
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("install code hook: %w", err)
	}

	_, err = s.mu.HookAdd(uc.HOOK_INSN, func(mu uc.Unicorn) {
		s.onSyscall()
	}, 1, 0, uc.X86_INS_SYSCALL)
	if err != nil {
		return fmt.Errorf("install syscall hook: %w", err)
	}
	return nil
}

// Run starts emulation at the current instruction pointer and returns
// when the guest exits or is stopped.
func (s *State) Run() error {
	return s.mu.Start(s.RegRead(engine.RIP), 0)
}

func (s *State) onSyscall() {
	ctx := &engine.SyscallCtx{
		NR: s.RegRead(engine.RAX),
		Args: [6]uint64{
			s.RegRead(engine.RDI),
			s.RegRead(engine.RSI),
			s.RegRead(engine.RDX),
			s.RegRead(engine.R10),
			s.RegRead(engine.R8),
			s.RegRead(engine.R9),
		},
	}
	if s.exec != nil {
		s.exec.BeforeSyscall(s, ctx)
	}

	switch ctx.NR {
	case engine.SysRead:
		s.sysRead(ctx)
	case engine.SysWrite:
		s.sysWrite(ctx)
	case engine.SysNanosleep:
		ctx.Ret = 0
	case engine.SysExit, engine.SysExitGroup:
		s.Terminate("target exited")
		return
	default:
		log.L.Debug("unhandled syscall", zap.Uint64("nr", ctx.NR))
		ctx.Ret = enosys
	}

	s.mu.RegWrite(uc.X86_REG_RAX, ctx.Ret)
	if s.exec != nil {
		s.exec.AfterSyscall(s, ctx)
	}
}

const enosys = ^uint64(37) // -38

func (s *State) sysRead(ctx *engine.SyscallCtx) {
	if ctx.Args[0] != 0 {
		ctx.Ret = ^uint64(8) // -EBADF
		return
	}
	buf, n := ctx.Args[1], int(ctx.Args[2])
	data := make([]byte, n)
	read, _ := s.stdin.Read(data)
	if read == 0 {
		ctx.Ret = 0
		return
	}
	if err := s.MemWrite(buf, data[:read]); err != nil {
		ctx.Ret = ^uint64(13) // -EFAULT
		return
	}
	s.RecordInput(buf, s.consumedInput, read)
	s.consumedInput += read
	ctx.Ret = uint64(read)
}

func (s *State) sysWrite(ctx *engine.SyscallCtx) {
	if ctx.Args[0] != 1 && ctx.Args[0] != 2 {
		ctx.Ret = ^uint64(8) // -EBADF
		return
	}
	data, err := s.MemRead(ctx.Args[1], int(ctx.Args[2]))
	if err != nil {
		ctx.Ret = ^uint64(13) // -EFAULT
		return
	}
	s.stdout.Write(data)
	ctx.Ret = uint64(len(data))
}

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }
