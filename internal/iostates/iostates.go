// Package iostates reconstructs the target's I/O timeline. Every stdin
// read, stdout write and sleep is recorded per execution state, leakable
// values flowing through stdout are classified, and reads that could leak
// them fork one state per candidate offset. The recorded timeline later
// drives exploit script generation.
package iostates

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/disasm"
	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/memory"
)

const moduleName = "iostates"

// IOStates is the timeline-recording module.
type IOStates struct {
	exec *engine.Executor
	elf  *elf.ELF

	canary      uint64
	userCanary  uint64
	reachedMain bool

	// leakTargets lists what must be leaked before exploitation can
	// work, derived from the target's hardening.
	leakTargets []LeakType

	// userSchedule, when set, replays fixed read offsets instead of
	// forking per candidate.
	userSchedule []StateInfo
}

// Config narrows IOStates behavior.
type Config struct {
	// StateInfoList is a schedule from a previous run; empty means
	// explore by forking.
	StateInfoList string

	// Canary, when nonzero, constrains the canary to a known value at
	// the canary check branch.
	Canary uint64
}

// New builds the module against the executor and target image and installs
// its hooks.
func New(exec *engine.Executor, image *elf.ELF, cfg Config) (*IOStates, error) {
	m := &IOStates{
		exec:       exec,
		elf:        image,
		userCanary: cfg.Canary,
	}

	if cfg.StateInfoList != "" {
		list, err := ParseStateInfoList(cfg.StateInfoList)
		if err != nil {
			return nil, err
		}
		m.userSchedule = list
		log.L.Info("using user-specified schedule",
			zap.String("schedule", cfg.StateInfoList))
	}

	if image.Checksec.HasCanary {
		m.leakTargets = append(m.leakTargets, LeakCanary)
	}
	if image.Checksec.HasPIE {
		m.leakTargets = append(m.leakTargets, LeakCode)
	}

	exec.OnBeforeSyscall(m.inputStateHookTopHalf)
	exec.OnAfterSyscall(m.inputStateHookBottomHalf)
	exec.OnAfterSyscall(m.outputStateHook)
	exec.OnAfterSyscall(m.sleepStateHook)

	if image.Checksec.HasCanary {
		exec.OnAfterInstruction(m.maybeInterceptStackCanary)
		exec.OnBeforeInstruction(m.onStackChkFailed)
	}
	if image.Checksec.HasCanary || image.Checksec.HasPIE {
		exec.OnForkDecide(m.onStateForkDecide)
	}

	exec.OnBeforeExploitGeneration(m.beforeExploitGeneration)

	return m, nil
}

// Name returns the module's arena key.
func (m *IOStates) Name() string { return moduleName }

// Canary returns the intercepted canary value.
func (m *IOStates) Canary() uint64 { return m.canary }

// LeakTargets returns what the timeline must leak, in order.
func (m *IOStates) LeakTargets() []LeakType { return m.leakTargets }

// StateOf returns the module's bookkeeping for an execution state.
func (m *IOStates) StateOf(s engine.State) *State {
	ms := m.exec.Arena().Get(s.ID(), moduleName, func() engine.ModuleState {
		return NewState()
	})
	return ms.(*State)
}

// CheckRequirements reports whether every leak target was satisfied on the
// state's timeline.
func (m *IOStates) CheckRequirements(s engine.State) bool {
	modState := m.StateOf(s)
	if modState.CurrentLeakTargetIdx < len(m.leakTargets) {
		log.L.Warn("some required information cannot be leaked, skipping state",
			zap.Int("satisfied", modState.CurrentLeakTargetIdx),
			zap.Int("required", len(m.leakTargets)))
		return false
	}
	return true
}

// inputStateHookTopHalf runs before sys_read(0, buf, len). It classifies
// what the read's buffer could leak and forks one state per candidate
// offset, hijacking the read length so the next output write exposes the
// value.
func (m *IOStates) inputStateHookTopHalf(s engine.State, ctx *engine.SyscallCtx) {
	if ctx.NR != engine.SysRead || ctx.Args[0] != 0 {
		return
	}

	m.exec.SetCurrent(s)
	bufInfo := m.analyzeLeak(s, ctx.Args[1], ctx.Args[2])

	modState := m.StateOf(s)
	if modState.CurrentLeakTargetIdx >= len(m.leakTargets) {
		log.L.Debug("no more leak targets")
		return
	}

	currentLeakType := m.leakTargets[modState.CurrentLeakTargetIdx]
	log.L.Info("current leak target",
		zap.String("type", currentLeakType.String()))

	if len(bufInfo[currentLeakType]) == 0 {
		log.L.Debug("no leak candidates in current input state")
		return
	}

	// A user-provided schedule pins the offsets, no forking needed.
	if len(m.userSchedule) > 0 {
		idx := len(modState.StateInfoList)
		if idx >= len(m.userSchedule) {
			log.L.Warn("schedule exhausted", zap.Int("index", idx))
			return
		}
		info, ok := m.userSchedule[idx].(InputStateInfo)
		if !ok {
			log.L.Warn("schedule entry is not an input", zap.Int("index", idx))
			return
		}
		m.hijackReadLength(s, ctx, info.Offset)
		return
	}

	for _, offset := range bufInfo[currentLeakType] {
		// Leaking the canary requires overwriting its terminating NUL
		// byte, so the write that echoes the buffer runs past it.
		if currentLeakType == LeakCanary {
			offset++
		}

		// The fork records the leakable offset; emulator-backed states
		// are not re-executed, so multi-round runs follow the configured
		// input schedule instead.
		forked, err := m.exec.Fork(s)
		if err != nil {
			log.L.Warn("fork failed", zap.Error(err))
			continue
		}
		log.L.Info("forked state for leakable offset",
			zap.Int("id", forked.ID()),
			log.Ptr("offset", offset))

		m.hijackReadLength(forked, nil, offset)
		m.StateOf(forked).LeakableOffset = offset
	}
}

// hijackReadLength rewrites the length argument of the pending sys_read.
func (m *IOStates) hijackReadLength(s engine.State, ctx *engine.SyscallCtx, length uint64) {
	s.RegWrite(engine.RDX, length)
	if ctx != nil {
		ctx.Args[2] = length
	}
}

// inputStateHookBottomHalf runs after sys_read(0, buf, len) and appends
// the input to the timeline.
func (m *IOStates) inputStateHookBottomHalf(s engine.State, ctx *engine.SyscallCtx) {
	if ctx.NR != engine.SysRead || ctx.Args[0] != 0 {
		return
	}

	m.exec.SetCurrent(s)
	modState := m.StateOf(s)

	var info InputStateInfo
	if modState.LeakableOffset != 0 {
		info.Offset = modState.LeakableOffset
	} else {
		info.Offset = ctx.Args[2]
	}

	modState.LeakableOffset = 0
	modState.LastInputStateInfoIdx = len(modState.StateInfoList)
	modState.StateInfoList = append(modState.StateInfoList, info)
}

// outputStateHook runs after sys_write(1, buf, len) and records whether the
// written buffer leaks something useful.
func (m *IOStates) outputStateHook(s engine.State, ctx *engine.SyscallCtx) {
	if ctx.NR != engine.SysWrite || ctx.Args[0] != 1 {
		return
	}

	m.exec.SetCurrent(s)
	leaks := m.detectLeak(s, ctx.Args[1], ctx.Args[2])
	modState := m.StateOf(s)

	info := OutputStateInfo{}
	if len(leaks) > 0 {
		info = leaks[0]
		info.Interesting = true
		log.L.Leak(info.LeakType.String(), info.BufIndex, info.BaseOffset)
		modState.CurrentLeakTargetIdx++
	}
	modState.StateInfoList = append(modState.StateInfoList, info)
}

// sleepStateHook runs after sys_nanosleep and mirrors the delay on the
// timeline, so the exploit stays in sync with the target.
func (m *IOStates) sleepStateHook(s engine.State, ctx *engine.SyscallCtx) {
	if ctx.NR != engine.SysNanosleep {
		return
	}

	m.exec.SetCurrent(s)

	// struct __kernel_timespec, tv_sec first.
	b, err := memory.For(s).ReadConcrete(ctx.Args[0], 16)
	if err != nil {
		log.L.Warn("cannot read timespec", zap.Error(err))
		return
	}
	sec := int64(binary.LittleEndian.Uint64(b[:8]))
	log.L.Info("sys_nanosleep", zap.Int64("sec", sec))

	modState := m.StateOf(s)
	modState.StateInfoList = append(modState.StateInfoList, SleepStateInfo{Sec: sec})
}

// maybeInterceptStackCanary watches for the canary load after main is
// reached and records the value.
func (m *IOStates) maybeInterceptStackCanary(s engine.State, pc uint64) {
	if m.canary != 0 {
		return
	}

	if mainSym, ok := m.elf.Symbol("main"); ok && pc == m.elf.Rebase(mainSym) {
		m.reachedMain = true
	}
	if !m.reachedMain {
		return
	}

	code, err := s.MemRead(pc, 16)
	if err != nil {
		return
	}
	insn, err := disasm.DecodeOne(code, pc)
	if err != nil || !insn.IsCanaryLoad() {
		return
	}

	m.canary = s.RegRead(engine.RAX)
	log.L.Info("intercepted canary",
		log.Ptr("pc", pc), log.Ptr("canary", m.canary))
}

// onStackChkFailed kills a state as soon as it reaches __stack_chk_fail;
// there is no return from it.
func (m *IOStates) onStackChkFailed(s engine.State, pc uint64) {
	sym, ok := m.elf.Symbol("__stack_chk_fail")
	if !ok {
		return
	}
	if pc == m.elf.Rebase(sym) {
		m.exec.Kill(s, "reached __stack_chk_fail@plt")
	}
}

// onStateForkDecide suppresses forking everywhere except the branch right
// before a __stack_chk_fail call site, which is the canary check itself.
// Without this, every symbolic branch would double the state count.
func (m *IOStates) onStateForkDecide(s engine.State, pc uint64) bool {
	code, err := s.MemRead(pc, 16)
	if err != nil {
		return false
	}
	insn, err := disasm.DecodeOne(code, pc)
	if err != nil {
		return false
	}
	if !m.isCallSiteOf(s, pc+uint64(insn.Len), "__stack_chk_fail") {
		return false
	}

	log.L.Info("allowing fork before __stack_chk_fail@plt", log.Ptr("pc", pc))

	if m.userCanary != 0 {
		log.L.Info("constraining canary as requested",
			log.Ptr("canary", m.userCanary))
		rbp := s.RegRead(engine.RBP)
		if !s.ConstrainMemory(rbp-8, m.userCanary) {
			log.L.Warn("canary constraint rejected")
		}
	}
	return true
}

// isCallSiteOf reports whether the instruction at pc is a direct call to
// the named function.
func (m *IOStates) isCallSiteOf(s engine.State, pc uint64, funcName string) bool {
	sym, ok := m.elf.Symbol(funcName)
	if !ok {
		return false
	}
	code, err := s.MemRead(pc, 16)
	if err != nil {
		return false
	}
	insn, err := disasm.DecodeOne(code, pc)
	if err != nil {
		return false
	}
	target, ok := insn.CallTarget()
	return ok && target == m.elf.Rebase(sym)
}

// beforeExploitGeneration pins the last input before the instruction
// pointer went symbolic, which is where the stage-one payload belongs.
func (m *IOStates) beforeExploitGeneration(s engine.State) {
	modState := m.StateOf(s)
	if modState.LastInputStateInfoIdxBeforeFirstSymbolicRip != -1 {
		return
	}
	for i := len(modState.StateInfoList) - 1; i >= 0; i-- {
		if _, ok := modState.StateInfoList[i].(InputStateInfo); ok {
			modState.LastInputStateInfoIdxBeforeFirstSymbolicRip = i
			break
		}
	}
}

// analyzeLeak scans a read destination buffer word by word and classifies
// what each resident value would expose if it were echoed back out.
func (m *IOStates) analyzeLeak(s engine.State, buf, length uint64) [numLeakTypes][]uint64 {
	mem := memory.For(s)
	vmmap := mem.Map()

	var bufInfo [numLeakTypes][]uint64
	for i := uint64(0); i < length; i += 8 {
		value, err := mem.ReadWord(buf + i)
		if err != nil {
			continue
		}
		if m.elf.Checksec.HasCanary && value == m.canary && m.canary != 0 {
			bufInfo[LeakCanary] = append(bufInfo[LeakCanary], i)
		} else if r, ok := vmmap.Find(value); ok {
			t := leakTypeOfModule(r.Module)
			bufInfo[t] = append(bufInfo[t], i)
		}
	}
	return bufInfo
}

// detectLeak scans a written buffer word by word for values that reveal a
// base address or the canary.
func (m *IOStates) detectLeak(s engine.State, buf, length uint64) []OutputStateInfo {
	mem := memory.For(s)
	vmmap := mem.Map()

	var leaks []OutputStateInfo
	for i := uint64(0); i < length; i += 8 {
		value, err := mem.ReadWord(buf + i)
		if err != nil {
			continue
		}
		// The canary's NUL byte was overwritten to get it this far, so
		// match everything above the low byte and skip that byte when
		// receiving.
		if m.elf.Checksec.HasCanary && m.canary != 0 && value&^uint64(0xff) == m.canary&^uint64(0xff) {
			leaks = append(leaks, OutputStateInfo{
				BufIndex: i + 1,
				LeakType: LeakCanary,
			})
		} else if base, ok := vmmap.ModuleBaseOf(value); ok {
			r, _ := vmmap.Find(value)
			leaks = append(leaks, OutputStateInfo{
				BufIndex:   i,
				BaseOffset: value - base,
				LeakType:   leakTypeOfModule(r.Module),
			})
		}
	}
	return leaks
}

func leakTypeOfModule(module string) LeakType {
	switch module {
	case memory.LabelTarget:
		return LeakCode
	case memory.LabelLibc:
		return LeakLibc
	case memory.LabelStack:
		return LeakStack
	default:
		return LeakUnknown
	}
}
