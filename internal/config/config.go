// Package config loads the YAML description of one exploit-generation
// session.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one exploit-generation session.
type Config struct {
	// Elf is the target binary. Required.
	Elf string `yaml:"elf"`

	// Libc is the C library the target runs against. Optional for
	// statically linked targets.
	Libc string `yaml:"libc"`

	// Techniques lists the techniques to chain, in order.
	Techniques []string `yaml:"techniques"`

	// StateInfoList replays a fixed I/O schedule ("i10,o1,i64" form)
	// instead of exploring leak offsets by forking.
	StateInfoList string `yaml:"stateInfoList"`

	// ElfBase relocates primary-image addresses in dynamic ROP
	// constraints to a known load base.
	ElfBase uint64 `yaml:"elfBase"`

	// Canary constrains the stack canary to a known value.
	Canary uint64 `yaml:"canary"`

	// Output is the generated script's path.
	Output string `yaml:"output"`

	Debug bool `yaml:"debug"`
}

// Load reads and validates a session config. Unknown keys are an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Elf == "" {
		return nil, fmt.Errorf("%s: elf is required", path)
	}
	if len(cfg.Techniques) == 0 {
		cfg.Techniques = []string{"ret2csu", "ret2syscall"}
	}
	if cfg.Output == "" {
		cfg.Output = "exploit.py"
	}
	return cfg, nil
}
