// Package engine defines the execution-state abstraction the analysis
// modules run against, plus the executor that dispatches their hooks.
//
// A State is one program path under analysis. Its memory and registers have
// concrete backing values at all times; bytes and registers that derive from
// program input are additionally marked symbolic and can carry an expression
// describing their origin. Constraining a symbolic value narrows the input
// that SolveInput later returns.
package engine

import (
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
)

// Region is one mapped memory region.
type Region struct {
	Start uint64
	End   uint64 // exclusive
	R     bool
	W     bool
	X     bool
	// Module is the mapped image's name, or a bracketed kernel name like
	// "[stack]". Empty for anonymous mappings.
	Module string
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Size returns the region's length in bytes.
func (r Region) Size() uint64 { return r.End - r.Start }

// State is one execution path. Implementations are not safe for concurrent
// use; the executor is single threaded.
type State interface {
	// ID returns the state's stable identifier.
	ID() int

	// Regions returns the mapped regions sorted by start address.
	Regions() []Region

	// IsMapped reports whether addr is inside a mapped region.
	IsMapped(addr uint64) bool

	// MemRead returns n bytes of concrete backing memory at addr.
	MemRead(addr uint64, n int) ([]byte, error)

	// MemWrite stores concrete bytes at addr and clears any symbolic
	// marking on them.
	MemWrite(addr uint64, b []byte) error

	// IsSymbolic reports whether any of the n bytes at addr is marked
	// symbolic.
	IsSymbolic(addr uint64, n int) bool

	// IsSymbolicByte reports whether the single byte at addr is marked
	// symbolic.
	IsSymbolicByte(addr uint64) bool

	// MarkSymbolic marks n bytes at addr as input derived.
	MarkSymbolic(addr uint64, n int)

	// RegRead returns a register's concrete backing value.
	RegRead(reg Register) uint64

	// RegWrite stores a concrete register value and clears any symbolic
	// marking on the register.
	RegWrite(reg Register, value uint64)

	// RegIsSymbolic reports whether the register is marked symbolic.
	RegIsSymbolic(reg Register) bool

	// RegExpr returns the expression attached to a symbolic register.
	RegExpr(reg Register) (expr.Expr, bool)

	// MarkRegSymbolic marks a register symbolic with the expression
	// describing it. origin, when nonzero, is the memory address the
	// register's value was loaded from.
	MarkRegSymbolic(reg Register, e expr.Expr, origin uint64)

	// ConstrainRegister requires the register to equal value on this
	// path. Constraining a concrete register succeeds only if the backing
	// value already matches.
	ConstrainRegister(reg Register, value uint64) bool

	// ConstrainMemory requires the word at addr to equal value on this
	// path. Concrete bytes inside the word must already match.
	ConstrainMemory(addr uint64, value uint64) bool

	// RecordInput declares that the n input bytes starting at stream
	// offset base currently live at addr. SolveInput resolves against the
	// most recent window.
	RecordInput(addr uint64, base, n int)

	// SolveInput returns input bytes for the current window that satisfy
	// every recorded constraint.
	SolveInput() ([]byte, error)

	// Fork returns an independent copy of the state under a new ID.
	Fork(newID int) State

	// Terminate marks the state dead. A dead state runs no further hooks.
	Terminate(reason string)

	// Terminated reports whether the state is dead and why.
	Terminated() (bool, string)
}
