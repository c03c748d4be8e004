package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LJP-TW/CRAXplusplus/internal/config"
	"github.com/LJP-TW/CRAXplusplus/internal/crax"
	"github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/ui/colorize"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crax",
		Short: "Generate control-flow hijack exploits for x86-64 binaries",
		Long: `CRAX++ turns a proof-of-crash into a working exploit script.

It replays the target binary, records its stdin/stdout timeline, tracks
which bytes of memory derive from attacker input, and, once the return
address is controlled, chains ROP techniques into a pwntools script
that leaks whatever the target's hardening requires and spawns a shell.

Examples:
  crax gen exploit.yaml          # generate an exploit from a session config
  crax gen exploit.yaml -v      # with verbose debug output
  crax info ./target            # binary metadata and common gadgets`,
		DisableFlagsInUseLine: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (result only)")

	genCmd := &cobra.Command{
		Use:   "gen <config.yaml>",
		Short: "Generate an exploit script from a session config",
		Args:  cobra.ExactArgs(1),
		RunE:  runGen,
	}
	rootCmd.AddCommand(genCmd)

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary metadata and common gadgets",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGen(cmd *cobra.Command, args []string) error {
	log.Init(verbose)

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	session, err := crax.New(cfg)
	if err != nil {
		return err
	}
	if err := session.Run(); err != nil {
		return err
	}

	if !quiet {
		script := session.Exploit().Script()
		fmt.Println(colorize.Script(script))
	}
	fmt.Printf("exploit written to %s (session %s)\n",
		cfg.Output, session.Exploit().SessionID())
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	log.Init(verbose)

	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	image, err := elf.Open(absPath)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", colorize.Header("Binary:"), filepath.Base(absPath))
	fmt.Printf("%s  0x%x\n", colorize.Header("Entry:"), image.Entry)
	fmt.Printf("%s %s\n", colorize.Header("Checksec:"), image.Checksec)
	fmt.Printf("%s 0x%x\n", colorize.Header("Bss:"), image.Bss())

	fmt.Println()
	fmt.Println(colorize.Header("Gadgets:"))
	for _, asm := range []string{
		"ret",
		"pop rdi ; ret",
		"pop rsi ; ret",
		"pop rdx ; ret",
		"pop rax ; ret",
		"syscall ; ret",
		"leave ; ret",
	} {
		addr := image.Gadget(asm)
		if addr == 0 {
			if !quiet {
				fmt.Printf("  %s  %s\n",
					colorize.Detail("not found  "), colorize.Instruction(asm))
			}
			continue
		}
		fmt.Printf("  %s  %s\n", colorize.Address(addr), colorize.Instruction(asm))
	}

	for _, name := range []string{"main", "__libc_csu_init", "read", "write"} {
		if fn, ok := image.Function(name); ok {
			fmt.Printf("  %s  %s\n",
				colorize.Address(fn.Address), colorize.Detail(name))
		}
	}
	return nil
}
