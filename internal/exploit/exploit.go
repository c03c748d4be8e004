// Package exploit turns a hijacked execution state into a runnable
// pwntools script. The Exploit type is the script sink every other part
// writes into: techniques register script symbols and auxiliary python
// functions, the payload builder solves and appends payload fragments, and
// the generator replays the recorded I/O timeline as sends and receives.
package exploit

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

type scriptSymbol struct {
	name  string
	value uint64
}

// Exploit accumulates the generated script. Writes are append only and
// render in insertion order.
type Exploit struct {
	elf  *elf.ELF
	libc *elf.ELF

	outputPath string
	sessionID  string

	symbols   []scriptSymbol
	symbolIdx map[string]int

	auxFuncs []string
	body     []string

	// pending holds payload fragments between flushes.
	pending []string
}

// New creates an empty script sink for the target image. libc may be nil
// for statically linked targets.
func New(image, libc *elf.ELF, outputPath string) *Exploit {
	return &Exploit{
		elf:        image,
		libc:       libc,
		outputPath: outputPath,
		sessionID:  uuid.NewString(),
		symbolIdx:  make(map[string]int),
	}
}

// ELF returns the target image the script is generated against.
func (e *Exploit) ELF() *elf.ELF { return e.elf }

// SessionID returns the identifier recorded in the script header.
func (e *Exploit) SessionID() string { return e.sessionID }

// RegisterSymbol adds a named value rendered as a python variable in the
// script preamble. Re-registering a name updates its value.
func (e *Exploit) RegisterSymbol(name string, value uint64) {
	if i, ok := e.symbolIdx[name]; ok {
		e.symbols[i].value = value
		return
	}
	e.symbolIdx[name] = len(e.symbols)
	e.symbols = append(e.symbols, scriptSymbol{name, value})
	log.L.Debug("registered script symbol",
		zap.String("name", name), log.Ptr("value", value))
}

// ScriptSymbol returns a registered symbol's value.
func (e *Exploit) ScriptSymbol(name string) (uint64, bool) {
	i, ok := e.symbolIdx[name]
	if !ok {
		return 0, false
	}
	return e.symbols[i].value, true
}

// Base returns the target's load base.
func (e *Exploit) Base() uint64 { return e.elf.Base() }

// Symbol resolves a symbol in the target image.
func (e *Exploit) Symbol(name string) (uint64, bool) { return e.elf.Symbol(name) }

// GotEntry resolves a GOT entry in the target image.
func (e *Exploit) GotEntry(name string) (uint64, bool) { return e.elf.GotEntry(name) }

// Bss returns the target's .bss address.
func (e *Exploit) Bss() uint64 { return e.elf.Bss() }

// RegisterAuxiliaryFunction adds a module-level python function emitted
// between the preamble and main.
func (e *Exploit) RegisterAuxiliaryFunction(code string) {
	if code == "" {
		return
	}
	e.auxFuncs = append(e.auxFuncs, code)
}

// Writeline appends one line to the script's main function body.
func (e *Exploit) Writeline(line string) {
	e.body = append(e.body, line)
}

// Writelines appends several lines to the script's main function body.
func (e *Exploit) Writelines(lines []string) {
	e.body = append(e.body, lines...)
}

// AppendRopPayload buffers one rendered payload fragment.
func (e *Exploit) AppendRopPayload(fragment string) {
	e.pending = append(e.pending, fragment)
}

// FlushRopPayload renders the buffered fragments as one payload assignment
// followed by a send. Flushing with nothing buffered is a no-op.
func (e *Exploit) FlushRopPayload() {
	if len(e.pending) == 0 {
		return
	}
	for i, frag := range e.pending {
		if i == 0 {
			e.Writeline(fmt.Sprintf("payload  = %s", frag))
		} else {
			e.Writeline(fmt.Sprintf("payload += %s", frag))
		}
	}
	e.Writeline("proc.send(payload)")
	e.pending = nil
}

// Script renders the whole exploit script.
func (e *Exploit) Script() string {
	var b strings.Builder

	b.WriteString("#!/usr/bin/env python3\n")
	b.WriteString("# Automatically generated by CRAXplusplus\n")
	fmt.Fprintf(&b, "# session: %s\n\n", e.sessionID)

	b.WriteString("from pwn import *\n\n")
	b.WriteString("context.update(arch='amd64', os='linux')\n\n")

	fmt.Fprintf(&b, "elf = ELF('%s', checksec=False)\n", e.elf.Path)
	if e.libc != nil {
		fmt.Fprintf(&b, "libc = ELF('%s', checksec=False)\n", e.libc.Path)
	}
	b.WriteString("\n")

	b.WriteString("elf_base = 0\n")
	b.WriteString("canary = 0\n")
	for _, sym := range e.symbols {
		fmt.Fprintf(&b, "%s = %#x\n", sym.name, sym.value)
	}
	b.WriteString("\n")

	for _, fn := range e.auxFuncs {
		b.WriteString(strings.TrimRight(fn, "\n"))
		b.WriteString("\n\n")
	}

	b.WriteString("def main():\n")
	b.WriteString("    global canary, elf_base\n")
	b.WriteString("    proc = process(elf.path)\n")
	for _, line := range e.body {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("    proc.interactive()\n\n")
	b.WriteString("if __name__ == '__main__':\n")
	b.WriteString("    main()\n")

	return b.String()
}

// Save writes the rendered script to the configured output path.
func (e *Exploit) Save() error {
	if err := os.WriteFile(e.outputPath, []byte(e.Script()), 0o755); err != nil {
		return fmt.Errorf("writing exploit script: %w", err)
	}
	log.L.Info("exploit script written",
		zap.String("path", e.outputPath),
		zap.String("session", e.sessionID))
	return nil
}
