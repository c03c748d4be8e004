package engine

// Register identifies one x86-64 general purpose register.
type Register int

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	numRegisters
)

var registerNames = [numRegisters]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
}

func (r Register) String() string {
	if r < 0 || r >= numRegisters {
		return "invalid"
	}
	return registerNames[r]
}

// ParseRegister maps a lowercase register name to its Register value.
func ParseRegister(name string) (Register, bool) {
	for i, n := range registerNames {
		if n == name {
			return Register(i), true
		}
	}
	return 0, false
}

// SyscallCtx carries one syscall's inputs and, after it runs, its return
// value.
type SyscallCtx struct {
	NR   uint64
	Args [6]uint64
	Ret  uint64
}

// Linux syscall numbers the analysis hooks care about.
const (
	SysRead      = 0
	SysWrite     = 1
	SysNanosleep = 35
	SysExit      = 60
	SysExitGroup = 231
)
