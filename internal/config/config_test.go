package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crax.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
elf: ./target
libc: /lib/x86_64-linux-gnu/libc.so.6
techniques: [ret2csu, ret2syscall]
stateInfoList: "i10,o1,i64"
canary: 0x1122334455667700
output: pwn.py
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Elf != "./target" || cfg.Libc != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Errorf("paths = %q, %q", cfg.Elf, cfg.Libc)
	}
	if len(cfg.Techniques) != 2 || cfg.Techniques[0] != "ret2csu" {
		t.Errorf("techniques = %v", cfg.Techniques)
	}
	if cfg.StateInfoList != "i10,o1,i64" {
		t.Errorf("stateInfoList = %q", cfg.StateInfoList)
	}
	if cfg.Canary != 0x1122334455667700 {
		t.Errorf("canary = %#x", cfg.Canary)
	}
	if cfg.Output != "pwn.py" {
		t.Errorf("output = %q", cfg.Output)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "elf: ./target\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Techniques) != 2 {
		t.Errorf("default techniques = %v", cfg.Techniques)
	}
	if cfg.Output != "exploit.py" {
		t.Errorf("default output = %q", cfg.Output)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(writeConfig(t, "libc: ./libc.so.6\n")); err == nil {
		t.Error("missing elf accepted")
	}
	if _, err := Load(writeConfig(t, "elf: ./target\nbogus: 1\n")); err == nil {
		t.Error("unknown key accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
