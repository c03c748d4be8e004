package colorize

import (
	"strings"
	"testing"
)

func TestDisabledOutputIsPlain(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	if got := Instruction("pop rdi ; ret"); got != "pop rdi ; ret" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Address(0x401000); got != "000000401000" {
		t.Errorf("Address = %q", got)
	}
	if got := Header("checksec"); got != "checksec" {
		t.Errorf("Header = %q", got)
	}
}

func TestColoredAddress(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	t.Setenv("CRAX_NO_COLOR", "")

	got := Address(0x401000)
	if !strings.Contains(got, "000000401000") || !strings.Contains(got, "\033[") {
		t.Errorf("Address = %q, want escaped hex", got)
	}
}
