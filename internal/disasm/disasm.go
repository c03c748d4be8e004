// Package disasm decodes x86-64 machine code into a form the technique and
// register-interception layers can match on.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

const bits = 64

// Instruction is one decoded instruction.
type Instruction struct {
	// Address is the instruction's virtual address.
	Address uint64

	// Len is the encoded length in bytes.
	Len int

	// Bytes is the instruction's encoding.
	Bytes []byte

	// Mnemonic is the lowercase opcode mnemonic, e.g. "jne".
	Mnemonic string

	// OpStr is the Intel-syntax operand string, e.g. "rdi, rsi".
	OpStr string

	// Inst is the decoded form for structural matching.
	Inst x86asm.Inst
}

// String renders the instruction in Intel syntax.
func (i Instruction) String() string {
	if i.OpStr == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.OpStr
}

// DecodeOne decodes the instruction at the start of code, assumed to load
// at addr.
func DecodeOne(code []byte, addr uint64) (Instruction, error) {
	inst, err := x86asm.Decode(code, bits)
	if err != nil {
		return Instruction{}, fmt.Errorf("decode at %#x: %w", addr, err)
	}
	return newInstruction(inst, code, addr), nil
}

// Decode decodes code linearly from addr until the buffer is exhausted or a
// byte sequence fails to decode. A trailing decode failure is not an error;
// function padding routinely ends mid-instruction.
func Decode(code []byte, addr uint64) []Instruction {
	var out []Instruction
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], bits)
		if err != nil {
			log.L.Debug("decode stopped",
				log.Ptr("address", addr+uint64(offset)))
			break
		}
		out = append(out, newInstruction(inst, code[offset:], addr+uint64(offset)))
		offset += inst.Len
	}
	return out
}

func newInstruction(inst x86asm.Inst, code []byte, addr uint64) Instruction {
	enc := make([]byte, inst.Len)
	copy(enc, code[:inst.Len])

	text := x86asm.IntelSyntax(inst, addr, nil)
	mnemonic, opStr := splitText(text)

	return Instruction{
		Address:  addr,
		Len:      inst.Len,
		Bytes:    enc,
		Mnemonic: mnemonic,
		OpStr:    opStr,
		Inst:     inst,
	}
}

func splitText(text string) (mnemonic, opStr string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

// IsCanaryLoad reports whether the instruction loads the stack canary, i.e.
// mov rax, qword ptr fs:[0x28].
func (i Instruction) IsCanaryLoad() bool {
	if i.Inst.Op != x86asm.MOV {
		return false
	}
	if i.Inst.Args[0] != x86asm.RAX {
		return false
	}
	mem, ok := i.Inst.Args[1].(x86asm.Mem)
	if !ok {
		return false
	}
	return mem.Segment == x86asm.FS && mem.Disp == 0x28 &&
		mem.Base == 0 && mem.Index == 0
}

// CallTarget returns the direct call target if the instruction is a direct
// near call.
func (i Instruction) CallTarget() (uint64, bool) {
	if i.Inst.Op != x86asm.CALL {
		return 0, false
	}
	rel, ok := i.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return i.Address + uint64(i.Len) + uint64(int64(rel)), true
}
