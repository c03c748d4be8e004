// Package dynamicrop injects ROP constraints into a running analysis to
// explore deeper execution paths. ROP is used here as a means of path
// exploration, not exploitation: a module queues groups of register and
// memory constraints, and each time exploit generation is about to start
// one group is applied, redirecting the target to the code the module
// wants executed next.
package dynamicrop

import (
	"encoding/binary"
	"errors"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/memory"
)

const moduleName = "dynamicrop"

// ErrRedispatch is returned by ApplyNextConstraintGroup when a constraint
// rewrote the instruction pointer. The caller must abort the current
// generation pass and resume execution at the new pc.
var ErrRedispatch = errors.New("instruction pointer constrained, redispatch required")

// RegisterConstraint requires a register to hold the expression's value.
type RegisterConstraint struct {
	Reg  engine.Register
	Expr expr.Expr
}

// MemoryConstraint requires the word at Addr to hold the expression's value.
type MemoryConstraint struct {
	Addr uint64
	Expr expr.Expr
}

// Constraint is either a RegisterConstraint or a MemoryConstraint.
type Constraint interface {
	constraint()
}

func (RegisterConstraint) constraint() {}
func (MemoryConstraint) constraint()   {}

// State queues the constraint groups pending for one execution state.
type State struct {
	queue [][]Constraint
}

// NewState returns empty per-state bookkeeping.
func NewState() *State { return &State{} }

// Clone deep-copies the queue for a forked state.
func (s *State) Clone() engine.ModuleState {
	c := &State{queue: make([][]Constraint, len(s.queue))}
	for i, group := range s.queue {
		c.queue[i] = append([]Constraint(nil), group...)
	}
	return c
}

// DynamicRop is the constraint-applying module.
type DynamicRop struct {
	exec *engine.Executor
	elf  *elf.ELF

	// userElfBase, when nonzero, relocates primary-image addresses in
	// constraints before injection.
	userElfBase uint64

	// pending is the constraint group under construction.
	pending []Constraint
}

// New builds the module. userElfBase may be zero when the target's load
// base needs no adjustment.
func New(exec *engine.Executor, image *elf.ELF, userElfBase uint64) *DynamicRop {
	return &DynamicRop{
		exec:        exec,
		elf:         image,
		userElfBase: userElfBase,
	}
}

// Name returns the module's arena key.
func (m *DynamicRop) Name() string { return moduleName }

// StateOf returns the module's bookkeeping for an execution state.
func (m *DynamicRop) StateOf(s engine.State) *State {
	ms := m.exec.Arena().Get(s.ID(), moduleName, func() engine.ModuleState {
		return NewState()
	})
	return ms.(*State)
}

// AddConstraint appends a constraint to the in-progress group. It returns
// the module so call sites can chain additions.
func (m *DynamicRop) AddConstraint(c Constraint) *DynamicRop {
	m.pending = append(m.pending, c)
	return m
}

// CommitConstraints moves the in-progress group to the current state's
// queue. Groups are applied in commit order, one per generation pass.
func (m *DynamicRop) CommitConstraints() {
	current := m.exec.Current()
	if current == nil {
		log.L.Warn("no current state to commit constraints to")
		m.pending = nil
		return
	}
	modState := m.StateOf(current)
	modState.queue = append(modState.queue, m.pending)
	m.pending = nil
}

// ApplyNextConstraintGroup pops one constraint group off the state's queue
// and injects it. An empty queue is a no-op. A failed injection terminates
// the state. ErrRedispatch is returned when the group constrained the
// instruction pointer and execution must resume there.
func (m *DynamicRop) ApplyNextConstraintGroup(s engine.State) error {
	modState := m.StateOf(s)
	if len(modState.queue) == 0 {
		log.L.Warn("no more dynamic ROP constraints to apply")
		return nil
	}
	group := modState.queue[0]
	modState.queue = modState.queue[1:]

	log.L.Info("adding dynamic ROP constraints",
		zap.Int("count", len(group)))

	hasRipConstraint := false
	for _, c := range group {
		switch c := c.(type) {
		case RegisterConstraint:
			if c.Reg == engine.RIP {
				hasRipConstraint = true
			}
			value := m.rebasedValue(s, c.Expr)
			if !s.ConstrainRegister(c.Reg, value) {
				m.exec.Kill(s, "dynamic ROP failed")
				return errors.New("dynamic ROP register constraint failed")
			}
			s.MarkRegSymbolic(c.Reg, c.Expr, 0)

		case MemoryConstraint:
			value := evalU64(c.Expr)
			if !s.ConstrainMemory(c.Addr, value) {
				m.exec.Kill(s, "dynamic ROP failed")
				return errors.New("dynamic ROP memory constraint failed")
			}
			s.MarkSymbolic(c.Addr, expr.WordSize)
		}
	}

	if hasRipConstraint {
		return ErrRedispatch
	}
	return nil
}

// rebasedValue evaluates a register-constraint expression and, for
// constants pointing into the primary image, relocates them to the
// user-specified base. Memory-constraint values are injected as is.
//
// Only primary-image addresses are handled; addresses of other mapped
// modules are injected as is.
func (m *DynamicRop) rebasedValue(s engine.State, e expr.Expr) uint64 {
	value := evalU64(e)

	ce, isConstant := e.(*expr.ConstantExpr)
	if !isConstant || m.userElfBase == 0 {
		return value
	}

	vmmap := memory.For(s).Map()
	if r, ok := vmmap.Find(ce.Value()); ok && r.Module == memory.LabelTarget {
		base, _ := vmmap.ModuleBaseAddress(memory.LabelTarget)
		rebased := ce.Value() - base + m.userElfBase
		log.L.Debug("rebased constraint address",
			log.Ptr("from", ce.Value()), log.Ptr("to", rebased))
		return rebased
	}
	return value
}

func evalU64(e expr.Expr) uint64 {
	if e.Width() != expr.WordSize {
		return 0
	}
	return binary.LittleEndian.Uint64(e.Bytes())
}
