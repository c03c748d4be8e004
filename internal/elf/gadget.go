package elf

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

// gadgetEncodings maps the gadget spellings the chain-building code asks for
// to their x86-64 encodings. Matching on encoded bytes keeps the search a
// plain substring scan over executable segments.
var gadgetEncodings = map[string][][]byte{
	"ret":                     {{0xc3}},
	"syscall ; ret":           {{0x0f, 0x05, 0xc3}},
	"pop rax ; ret":           {{0x58, 0xc3}},
	"pop rdi ; ret":           {{0x5f, 0xc3}},
	"pop rsi ; ret":           {{0x5e, 0xc3}},
	"pop rdx ; ret":           {{0x5a, 0xc3}},
	"pop rbp ; ret":           {{0x5d, 0xc3}},
	"pop rsp ; ret":           {{0x5c, 0xc3}},
	"pop rdx ; pop rbx ; ret": {{0x5a, 0x5b, 0xc3}},
	"leave ; ret":             {{0xc9, 0xc3}},
	"jmp rsp":                 {{0xff, 0xe4}},
}

// Gadget returns the file-relative address of the first occurrence of the
// given gadget in the image's executable segments, or 0 when the image does
// not contain it.
func (e *ELF) Gadget(asm string) uint64 {
	encodings, ok := gadgetEncodings[asm]
	if !ok {
		log.L.Warn("no known encoding for gadget", zap.String("asm", asm))
		return 0
	}
	for i := range e.Segments {
		seg := &e.Segments[i]
		if !seg.IsExecutable() {
			continue
		}
		for _, enc := range encodings {
			if idx := bytes.Index(seg.Data, enc); idx >= 0 {
				addr := seg.VAddr + uint64(idx)
				log.L.Debug("resolved gadget",
					zap.String("asm", asm), log.Ptr("address", addr))
				return addr
			}
		}
	}
	return 0
}

// GadgetStrict is Gadget but with a missing gadget reported as an error.
func (e *ELF) GadgetStrict(asm string) (uint64, error) {
	if addr := e.Gadget(asm); addr != 0 {
		return addr, nil
	}
	return 0, fmt.Errorf("gadget %q not found in %s", asm, e.Path)
}
