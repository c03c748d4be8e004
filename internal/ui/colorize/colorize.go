package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// IsDisabled reports whether colors are disabled via the environment.
func IsDisabled() bool {
	return os.Getenv("CRAX_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func getStyle() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

func highlight(source string, lexer chroma.Lexer) string {
	if lexer == nil {
		return source
	}
	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		return source
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getStyle(), iterator); err != nil {
		return source
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Instruction colorizes one assembly instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	return highlight(insn, lexers.Get("nasm"))
}

// Script colorizes the generated python exploit for terminal preview.
func Script(code string) string {
	if IsDisabled() {
		return code
	}
	return highlight(code, lexers.Get("python"))
}

// Address formats an address in yellow.
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("%012x", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%012x\033[0m", addr)
}

// Header formats section headers in blue.
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// Detail formats detail text in light gray.
func Detail(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", s)
}

// Error formats error messages in pink.
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}
