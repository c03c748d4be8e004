// Package crax wires the analysis modules into one exploit-generation
// session: it loads the target, installs the I/O timeline tracker and
// the dynamic constraint applier on an executor, watches for a hijacked
// return, and drives technique chaining and script generation when one
// is found.
package crax

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/config"
	"github.com/LJP-TW/CRAXplusplus/internal/dynamicrop"
	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/engine/emu"
	"github.com/LJP-TW/CRAXplusplus/internal/exploit"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/iostates"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/memory"
	"github.com/LJP-TW/CRAXplusplus/internal/technique"
)

const opRet = 0xc3

// stdinFillLen is how many filler bytes the replay feeds each read.
const stdinFillLen = 0x400

// Crax is one exploit-generation session.
type Crax struct {
	cfg   *config.Config
	exec  *engine.Executor
	image *elf.ELF
	libc  *elf.ELF

	ios    *iostates.IOStates
	dynRop *dynamicrop.DynamicRop
	ex     *exploit.Exploit

	generated bool
}

// New builds a session from the configuration: images are loaded, the
// modules are constructed against a fresh executor, and the hijack
// watcher is installed.
func New(cfg *config.Config) (*Crax, error) {
	image, err := elf.Open(cfg.Elf)
	if err != nil {
		return nil, err
	}
	var libc *elf.ELF
	if cfg.Libc != "" {
		if libc, err = elf.Open(cfg.Libc); err != nil {
			return nil, err
		}
	}

	exec := engine.NewExecutor()
	ios, err := iostates.New(exec, image, iostates.Config{
		StateInfoList: cfg.StateInfoList,
		Canary:        cfg.Canary,
	})
	if err != nil {
		return nil, err
	}

	c := &Crax{
		cfg:    cfg,
		exec:   exec,
		image:  image,
		libc:   libc,
		ios:    ios,
		dynRop: dynamicrop.New(exec, image, cfg.ElfBase),
		ex:     exploit.New(image, libc, cfg.Output),
	}
	exec.OnBeforeInstruction(c.watchHijackedReturn)
	return c, nil
}

// Executor returns the session's executor.
func (c *Crax) Executor() *engine.Executor { return c.exec }

// IOStates returns the timeline tracker.
func (c *Crax) IOStates() *iostates.IOStates { return c.ios }

// DynamicRop returns the constraint applier.
func (c *Crax) DynamicRop() *dynamicrop.DynamicRop { return c.dynRop }

// Exploit returns the script sink.
func (c *Crax) Exploit() *exploit.Exploit { return c.ex }

// Image returns the target image.
func (c *Crax) Image() *elf.ELF { return c.image }

// Generated reports whether an exploit script was written.
func (c *Crax) Generated() bool { return c.generated }

// Run replays the target concretely under the emulator, feeding filler
// input, until a state's return address is controlled and a script is
// generated.
func (c *Crax) Run() error {
	s, err := emu.New(0)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.LoadELF(c.image); err != nil {
		return err
	}
	if err := s.InstallHooks(c.exec); err != nil {
		return err
	}
	s.SetStdin(fillPattern(stdinFillLen))
	c.exec.AddState(s)
	c.exec.SetCurrent(s)

	if err := s.Run(); err != nil {
		// Faulting after the hijacked return is the expected way out.
		log.L.Debug("emulation stopped", zap.Error(err))
	}
	if !c.generated {
		return fmt.Errorf("no exploitable state found")
	}
	return nil
}

// watchHijackedReturn fires right before a ret whose return slot holds
// attacker-controlled bytes. It marks the instruction and frame
// pointers symbolic with their stack origins and hands the state to
// exploit generation.
func (c *Crax) watchHijackedReturn(s engine.State, pc uint64) {
	if s.RegIsSymbolic(engine.RIP) {
		return
	}
	mem := memory.For(s)
	b, err := mem.ReadConcrete(pc, 1)
	if err != nil || b[0] != opRet {
		return
	}
	rsp := s.RegRead(engine.RSP)
	if !s.IsSymbolic(rsp, expr.WordSize) {
		return
	}

	if ret, err := mem.ReadWord(rsp); err == nil {
		s.MarkRegSymbolic(engine.RIP, expr.NewConstant(ret), rsp)
	}
	savedRbp := rsp - expr.WordSize
	if s.IsSymbolic(savedRbp, expr.WordSize) {
		s.MarkRegSymbolic(engine.RBP,
			expr.NewConstant(s.RegRead(engine.RBP)), savedRbp)
	}
	// Complete the pop so the payload slots line up behind the return
	// slot, matching what generation sees after the control transfer.
	s.RegWrite(engine.RSP, rsp+expr.WordSize)
	log.L.WithState(s.ID()).Info("return address hijacked", log.Addr(pc))

	c.handleHijackedRip(s)
}

// handleHijackedRip runs the pre-generation hooks, lets the dynamic
// constraint applier redirect execution if it has queued work, and
// otherwise generates the exploit and retires the state.
func (c *Crax) handleHijackedRip(s engine.State) {
	c.exec.SetCurrent(s)
	c.exec.BeforeExploitGeneration(s)

	if err := c.dynRop.ApplyNextConstraintGroup(s); err != nil {
		if errors.Is(err, dynamicrop.ErrRedispatch) {
			log.L.WithState(s.ID()).Debug("instruction pointer constrained, resuming")
			return
		}
		log.L.WithState(s.ID()).Warn("constraint application failed", zap.Error(err))
		return
	}
	if dead, _ := s.Terminated(); dead {
		return
	}

	if err := c.GenerateExploit(s); err != nil {
		log.L.WithState(s.ID()).Warn("exploit generation failed", zap.Error(err))
		c.exec.Kill(s, "exploit generation failed")
		return
	}
	c.generated = true
	c.exec.Kill(s, "exploit generated")
}

// GenerateExploit chains the configured techniques against the hijacked
// state and writes the script.
func (c *Crax) GenerateExploit(s engine.State) error {
	if !c.ios.CheckRequirements(s) {
		return fmt.Errorf("required leaks missing from the state's timeline")
	}

	env := &technique.Env{
		Registry: c.ex,
		ELF:      c.image,
		Libc:     c.libc,
		Mem:      memory.For(s),
	}
	var techs []technique.Technique
	for _, name := range c.cfg.Techniques {
		t, err := technique.New(name, env)
		if err != nil {
			return err
		}
		env.Add(t)
		techs = append(techs, t)
	}
	for _, t := range techs {
		if !t.CheckRequirements() {
			return fmt.Errorf("technique %s: requirements not met", t.Name())
		}
	}

	builder := exploit.NewRopPayloadBuilder(s)
	for _, t := range techs {
		if err := builder.Chain(t); err != nil {
			return err
		}
	}
	ropChain, err := builder.Build()
	if err != nil {
		return err
	}
	stage1, err := s.SolveInput()
	if err != nil {
		return err
	}

	for _, t := range techs {
		if aux := t.AuxiliaryFunctions(); aux != "" {
			c.ex.RegisterAuxiliaryFunction(aux)
		}
	}

	gen := exploit.NewLeakBasedGenerator(c.ex, c.ios)
	if err := gen.GenerateMainFunction(s, ropChain, stage1); err != nil {
		return err
	}
	if err := c.ex.Save(); err != nil {
		return err
	}
	log.L.Info("exploit script written",
		zap.String("path", c.cfg.Output),
		zap.String("session", c.ex.SessionID()))
	return nil
}

// fillPattern builds the replay's stdin filler: 8-byte runs of
// distinct letters, so stack slots are distinguishable in a debugger.
func fillPattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 'A' + byte(i/8%26)
	}
	return out
}
