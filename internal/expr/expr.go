// Package expr models exploit payload values whose concrete form is only
// known at exploitation time.
//
// In a generated exploit script, each payload slot is one of:
//
//  1. payload = p64(0x401060)
//  2. payload = p64(elf_base + elf.sym['read'])
//  3. payload = p64(elf_base + __libc_csu_init_gadget1)
//
// Case 1 is a ConstantExpr. Cases 2 and 3 are BaseOffsetExprs: the offset is
// baked in at construction time from binary metadata, while the base stays a
// script variable until the exploit runs.
package expr

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// WordSize is the stack slot width of the target architecture in bytes.
const WordSize = 8

// Expr is a payload value. Implementations are immutable once built and are
// shared freely by value.
type Expr interface {
	// Width returns the value's size in bytes.
	Width() int

	// Bytes returns the value's little-endian byte form at its width.
	Bytes() []byte

	// String returns the value as a python expression for the exploit
	// script, without any packing applied. Script wraps word-sized
	// expressions in p64().
	String() string

	expr()
}

// Script renders an expression the way it appears in a generated payload
// line: word expressions packed with p64, byte vectors as raw byte literals.
func Script(e Expr) string {
	if _, ok := e.(*ByteVectorExpr); ok {
		return e.String()
	}
	return "p64(" + e.String() + ")"
}

func (*ConstantExpr) expr()    {}
func (*ByteVectorExpr) expr()  {}
func (*BaseOffsetExpr) expr()  {}
func (*PlaceholderExpr) expr() {}

// RopSubchain is one ordered payload fragment, e.g. a single gadget
// invocation's argument set. Concatenation order is exploitation order.
type RopSubchain []Expr

// Width returns the total byte length of the subchain.
func (rs RopSubchain) Width() int {
	n := 0
	for _, e := range rs {
		n += e.Width()
	}
	return n
}

// Bytes concatenates the byte form of every expression in order.
func (rs RopSubchain) Bytes() []byte {
	out := make([]byte, 0, rs.Width())
	for _, e := range rs {
		out = append(out, e.Bytes()...)
	}
	return out
}

// ConstantExpr is a value known at generation time.
type ConstantExpr struct {
	value uint64
	width int
}

// NewConstant creates a word-sized constant.
func NewConstant(value uint64) *ConstantExpr {
	return &ConstantExpr{value: value, width: WordSize}
}

// NewConstantWidth creates a constant of the given byte width.
func NewConstantWidth(value uint64, width int) *ConstantExpr {
	return &ConstantExpr{value: value, width: width}
}

// Value returns the constant's value.
func (e *ConstantExpr) Value() uint64 { return e.value }

func (e *ConstantExpr) Width() int { return e.width }

func (e *ConstantExpr) Bytes() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, e.value)
	return buf[:e.width]
}

func (e *ConstantExpr) String() string {
	return fmt.Sprintf("%#x", e.value)
}

// ByteVectorExpr is a raw byte sequence whose size is not necessarily
// one word.
type ByteVectorExpr struct {
	bytes []byte
}

// NewByteVector creates a byte vector expression. The input is copied.
func NewByteVector(b []byte) *ByteVectorExpr {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &ByteVectorExpr{bytes: cp}
}

// NewByteVectorString creates a byte vector from a string.
func NewByteVectorString(s string) *ByteVectorExpr {
	return NewByteVector([]byte(s))
}

// Pad returns a new byte vector right-padded with fill to length n.
// If the vector is already n bytes or longer, it is returned unchanged.
func (e *ByteVectorExpr) Pad(n int, fill byte) *ByteVectorExpr {
	if len(e.bytes) >= n {
		return e
	}
	out := make([]byte, n)
	copy(out, e.bytes)
	for i := len(e.bytes); i < n; i++ {
		out[i] = fill
	}
	return &ByteVectorExpr{bytes: out}
}

func (e *ByteVectorExpr) Width() int { return len(e.bytes) }

func (e *ByteVectorExpr) Bytes() []byte {
	cp := make([]byte, len(e.bytes))
	copy(cp, e.bytes)
	return cp
}

func (e *ByteVectorExpr) String() string {
	var sb strings.Builder
	sb.WriteString("b'")
	for _, b := range e.bytes {
		fmt.Fprintf(&sb, "\\x%02x", b)
	}
	sb.WriteString("'")
	return sb.String()
}

// BaseKind identifies what a BaseOffsetExpr's offset is relative to.
type BaseKind int

const (
	// BaseVar is a symbol registered by the script itself, e.g. a
	// resolved gadget variable.
	BaseVar BaseKind = iota

	// BaseSym is a dynamic symbol of the target binary.
	BaseSym

	// BaseGot is a GOT slot of the target binary.
	BaseGot

	// BaseBss is the target binary's BSS segment.
	BaseBss
)

// Resolver supplies the addresses a BaseOffsetExpr bakes in at
// construction time.
type Resolver interface {
	// Base returns the load base currently assumed for the image.
	Base() uint64

	// ScriptSymbol looks up a symbol registered by the exploit script.
	ScriptSymbol(name string) (uint64, bool)

	// Symbol looks up a dynamic symbol's offset.
	Symbol(name string) (uint64, bool)

	// GotEntry looks up a GOT slot's offset.
	GotEntry(name string) (uint64, bool)

	// Bss returns the BSS segment's offset.
	Bss() uint64
}

// BaseOffsetExpr is a named base plus a constant offset. The offset is fixed
// at construction; the base resolves at exploitation time.
type BaseOffsetExpr struct {
	base      uint64
	offset    uint64
	strBase   string
	strOffset string
}

// NewBaseOffset builds a base+offset expression of the given kind. The
// identifier must exist in the resolver's metadata; a missing identifier is
// fatal to the caller's requirement check.
func NewBaseOffset(r Resolver, kind BaseKind, identifier string) (*BaseOffsetExpr, error) {
	e := &BaseOffsetExpr{base: r.Base(), strBase: "elf_base"}

	switch kind {
	case BaseVar:
		off, ok := r.ScriptSymbol(identifier)
		if !ok {
			return nil, fmt.Errorf("symbol %q does not exist in the exploit script's symtab", identifier)
		}
		e.offset = off
		e.strOffset = identifier

	case BaseSym:
		off, ok := r.Symbol(identifier)
		if !ok {
			return nil, fmt.Errorf("symbol %q does not exist in elf.sym", identifier)
		}
		e.offset = off
		e.strOffset = fmt.Sprintf("elf.sym['%s']", identifier)

	case BaseGot:
		off, ok := r.GotEntry(identifier)
		if !ok {
			return nil, fmt.Errorf("symbol %q does not exist in elf.got", identifier)
		}
		e.offset = off
		e.strOffset = fmt.Sprintf("elf.got['%s']", identifier)

	case BaseBss:
		e.offset = r.Bss()
		e.strOffset = "elf.bss()"

	default:
		return nil, fmt.Errorf("unknown base kind %d", kind)
	}

	return e, nil
}

// NewScriptSymbol builds a bare script-symbol expression with a known value.
func NewScriptSymbol(symbol string, value uint64) *BaseOffsetExpr {
	return &BaseOffsetExpr{base: 0, offset: value, strBase: "", strOffset: symbol}
}

// Value returns base+offset as known at generation time.
func (e *BaseOffsetExpr) Value() uint64 { return e.base + e.offset }

// Offset returns the baked-in constant offset.
func (e *BaseOffsetExpr) Offset() uint64 { return e.offset }

func (e *BaseOffsetExpr) Width() int { return WordSize }

func (e *BaseOffsetExpr) Bytes() []byte {
	buf := make([]byte, WordSize)
	binary.LittleEndian.PutUint64(buf, e.Value())
	return buf
}

func (e *BaseOffsetExpr) String() string {
	switch {
	case e.strBase != "" && e.strOffset != "":
		return e.strBase + " + " + e.strOffset
	case e.strBase != "":
		return e.strBase
	default:
		return e.strOffset
	}
}

// PlaceholderExpr marks a payload slot that must be substituted before the
// chain is emitted. ret2csu uses it for the argument and return slots.
type PlaceholderExpr struct {
	tag string
}

// NewPlaceholder creates a placeholder with the given tag.
func NewPlaceholder(tag string) *PlaceholderExpr {
	return &PlaceholderExpr{tag: tag}
}

// Tag returns the placeholder's tag.
func (e *PlaceholderExpr) Tag() string { return e.tag }

// HasTag reports whether the placeholder's tag contains tag.
func (e *PlaceholderExpr) HasTag(tag string) bool {
	return strings.Contains(e.tag, tag)
}

func (e *PlaceholderExpr) Width() int { return WordSize }

// Bytes panics: a placeholder must not survive until payload emission.
func (e *PlaceholderExpr) Bytes() []byte {
	panic("unhandled placeholder expr: " + e.tag)
}

func (e *PlaceholderExpr) String() string {
	return e.tag
}
