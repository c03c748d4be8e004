package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

// Hook groups the callbacks an analysis module can register. Hooks run in
// registration order on the executor's goroutine.
type (
	// SyscallHook observes a syscall. Before hooks see Ret as zero.
	SyscallHook func(s State, ctx *SyscallCtx)

	// InstructionHook observes one instruction at pc.
	InstructionHook func(s State, pc uint64)

	// ForkDecider votes on whether execution may fork at pc. Any false
	// vote suppresses the fork.
	ForkDecider func(s State, pc uint64) bool

	// GenerationHook runs once right before exploit generation starts on
	// a state with a hijacked instruction pointer.
	GenerationHook func(s State)
)

// Executor owns the set of live states and dispatches module hooks against
// the current one. It is single threaded: one state executes at a time, and
// hooks never run concurrently.
type Executor struct {
	states  map[int]State
	current State
	nextID  int

	arena *Arena

	beforeSyscall    []SyscallHook
	afterSyscall     []SyscallHook
	beforeInsn       []InstructionHook
	afterInsn        []InstructionHook
	forkDeciders     []ForkDecider
	beforeGeneration []GenerationHook
}

// NewExecutor creates an executor with an empty state set.
func NewExecutor() *Executor {
	return &Executor{
		states: make(map[int]State),
		arena:  NewArena(),
	}
}

// Arena returns the executor's per-state module storage.
func (e *Executor) Arena() *Arena { return e.arena }

// AddState registers a state and returns it. The first added state becomes
// current.
func (e *Executor) AddState(s State) State {
	e.states[s.ID()] = s
	if s.ID() >= e.nextID {
		e.nextID = s.ID() + 1
	}
	if e.current == nil {
		e.current = s
	}
	return s
}

// NewState creates, registers and returns a fresh LocalState.
func (e *Executor) NewState() *LocalState {
	s := NewLocalState(e.nextID)
	e.AddState(s)
	return s
}

// Current returns the state hooks are currently dispatched against.
func (e *Executor) Current() State { return e.current }

// SetCurrent switches the current state.
func (e *Executor) SetCurrent(s State) {
	e.current = s
}

// OnBeforeSyscall registers a hook that runs before each syscall.
func (e *Executor) OnBeforeSyscall(h SyscallHook) {
	e.beforeSyscall = append(e.beforeSyscall, h)
}

// OnAfterSyscall registers a hook that runs after each syscall.
func (e *Executor) OnAfterSyscall(h SyscallHook) {
	e.afterSyscall = append(e.afterSyscall, h)
}

// OnBeforeInstruction registers a hook that runs before each instruction.
func (e *Executor) OnBeforeInstruction(h InstructionHook) {
	e.beforeInsn = append(e.beforeInsn, h)
}

// OnAfterInstruction registers a hook that runs after each instruction.
func (e *Executor) OnAfterInstruction(h InstructionHook) {
	e.afterInsn = append(e.afterInsn, h)
}

// OnForkDecide registers a fork vote.
func (e *Executor) OnForkDecide(d ForkDecider) {
	e.forkDeciders = append(e.forkDeciders, d)
}

// OnBeforeExploitGeneration registers a pre-generation hook.
func (e *Executor) OnBeforeExploitGeneration(h GenerationHook) {
	e.beforeGeneration = append(e.beforeGeneration, h)
}

// BeforeSyscall dispatches the before-syscall hooks on s.
func (e *Executor) BeforeSyscall(s State, ctx *SyscallCtx) {
	for _, h := range e.beforeSyscall {
		if dead, _ := s.Terminated(); dead {
			return
		}
		h(s, ctx)
	}
}

// AfterSyscall dispatches the after-syscall hooks on s.
func (e *Executor) AfterSyscall(s State, ctx *SyscallCtx) {
	for _, h := range e.afterSyscall {
		if dead, _ := s.Terminated(); dead {
			return
		}
		h(s, ctx)
	}
}

// BeforeInstruction dispatches the before-instruction hooks on s.
func (e *Executor) BeforeInstruction(s State, pc uint64) {
	for _, h := range e.beforeInsn {
		if dead, _ := s.Terminated(); dead {
			return
		}
		h(s, pc)
	}
}

// AfterInstruction dispatches the after-instruction hooks on s.
func (e *Executor) AfterInstruction(s State, pc uint64) {
	for _, h := range e.afterInsn {
		if dead, _ := s.Terminated(); dead {
			return
		}
		h(s, pc)
	}
}

// BeforeExploitGeneration dispatches the pre-generation hooks on s.
func (e *Executor) BeforeExploitGeneration(s State) {
	for _, h := range e.beforeGeneration {
		h(s)
	}
}

// ForkAllowed asks every registered decider whether execution may fork at
// pc. With no deciders registered, forking is allowed.
func (e *Executor) ForkAllowed(s State, pc uint64) bool {
	for _, d := range e.forkDeciders {
		if !d(s, pc) {
			return false
		}
	}
	return true
}

// Fork clones parent into a new state, including every module's per-state
// storage, and registers the child.
func (e *Executor) Fork(parent State) (State, error) {
	if dead, reason := parent.Terminated(); dead {
		return nil, fmt.Errorf("cannot fork dead state %d (%s)", parent.ID(), reason)
	}
	id := e.nextID
	e.nextID++
	child := parent.Fork(id)
	e.states[id] = child
	e.arena.CloneFor(parent.ID(), id)
	log.L.Debug("forked state",
		zap.Int("parent", parent.ID()), zap.Int("child", id))
	return child, nil
}

// Kill terminates a state and releases its module storage.
func (e *Executor) Kill(s State, reason string) {
	s.Terminate(reason)
	e.arena.Destroy(s.ID())
	delete(e.states, s.ID())
	if e.current == s {
		e.current = nil
	}
}

// States returns the live states in unspecified order.
func (e *Executor) States() []State {
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, s)
	}
	return out
}
