// Package technique implements the exploitation primitives that turn a
// hijacked instruction pointer into a shell. Each technique inspects the
// target's metadata up front, resolves the gadgets it needs, and contributes
// ROP payload fragments to the final chain.
package technique

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
)

// SymbolRegistry is the exploit script's symbol table. Registered symbols
// become python variables, and the registry doubles as the resolver that
// BaseOffsetExprs bake their offsets from.
type SymbolRegistry interface {
	expr.Resolver

	// RegisterSymbol defines a script variable holding a file-relative
	// offset into the target image.
	RegisterSymbol(name string, value uint64)
}

// Searcher finds byte patterns in the analyzed state's memory.
type Searcher interface {
	Search(needle []byte) []uint64
}

// Env carries everything a technique inspects: the target and libc images,
// the script symbol registry, and a view of the hijacked state's memory.
type Env struct {
	Registry SymbolRegistry
	ELF      *elf.ELF
	Libc     *elf.ELF
	Mem      Searcher

	techniques map[string]Technique
}

// Add registers a constructed technique so others can delegate to it.
func (e *Env) Add(t Technique) {
	if e.techniques == nil {
		e.techniques = make(map[string]Technique)
	}
	e.techniques[t.Name()] = t
}

// Lookup returns a previously added technique.
func (e *Env) Lookup(name string) (Technique, bool) {
	t, ok := e.techniques[name]
	return t, ok
}

// Technique is one exploitation primitive.
type Technique interface {
	// Name returns the technique's registry name.
	Name() string

	// CheckRequirements reports whether the target satisfies the
	// technique's preconditions.
	CheckRequirements() bool

	// RopSubchains returns the technique's payload fragments in send
	// order. Fragment boundaries matter: each fragment is delivered by a
	// separate input the chain itself requests.
	RopSubchains() ([]expr.RopSubchain, error)

	// ExtraRopSubchain returns trailing payload appended after every
	// technique's main fragments, or nil.
	ExtraRopSubchain() expr.RopSubchain

	// AuxiliaryFunctions returns python helper definitions the
	// technique's payload references, or "".
	AuxiliaryFunctions() string
}

// New constructs the named technique against env.
func New(name string, env *Env) (Technique, error) {
	switch name {
	case "ret2csu":
		return NewRet2csu(env)
	case "ret2syscall":
		return NewRet2syscall(env)
	default:
		return nil, fmt.Errorf("unknown technique %q", name)
	}
}

// ToVarName maps a gadget spelling to the python variable it is exported
// as, e.g. "pop rdi ; ret" becomes "pop_rdi_ret".
func ToVarName(asm string) string {
	r := strings.NewReplacer(" ; ", "_", " ", "_", ";", "_")
	return r.Replace(asm)
}

// resolveAndRegisterGadget resolves a gadget in the image and exports it as
// a script symbol named after its spelling.
func resolveAndRegisterGadget(reg SymbolRegistry, image *elf.ELF, asm string) (uint64, error) {
	addr, err := image.GadgetStrict(asm)
	if err != nil {
		return 0, err
	}
	reg.RegisterSymbol(ToVarName(asm), addr)
	return addr, nil
}

// evalU64 returns a word expression's concrete value at generation time.
func evalU64(e expr.Expr) uint64 {
	b := e.Bytes()
	if len(b) != expr.WordSize {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
