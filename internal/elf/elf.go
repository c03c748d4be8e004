// Package elf parses the metadata an exploit script needs from x86-64 ELF
// images: dynamic symbols, GOT slots, functions, segments, and hardening
// flags.
package elf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

// x86-64 relocation types used for GOT slot discovery.
const (
	rX8664GlobDat  = 6 // GOT entry for a data symbol
	rX8664JumpSlot = 7 // PLT GOT entry for a function call
)

// Checksec describes the hardening applied to an image.
type Checksec struct {
	HasCanary    bool
	HasPIE       bool
	HasFullRELRO bool
	HasNX        bool
}

func (c Checksec) String() string {
	b := func(v bool) string {
		if v {
			return "enabled"
		}
		return "disabled"
	}
	return fmt.Sprintf("canary=%s pie=%s relro=%s nx=%s",
		b(c.HasCanary), b(c.HasPIE), b(c.HasFullRELRO), b(c.HasNX))
}

// Function is a defined function symbol.
type Function struct {
	Name    string
	Address uint64 // file virtual address, base not applied
	Size    uint64
}

// Segment is one PT_LOAD segment with its file data.
type Segment struct {
	VAddr  uint64
	Filesz uint64
	Memsz  uint64
	Flags  elf.ProgFlag
	Data   []byte
}

// IsExecutable reports whether the segment is executable.
func (s *Segment) IsExecutable() bool { return s.Flags&elf.PF_X != 0 }

// IsWritable reports whether the segment is writable.
func (s *Segment) IsWritable() bool { return s.Flags&elf.PF_W != 0 }

// ELF holds the parsed metadata of one image. Addresses returned by Symbol,
// GotEntry, Bss and Function stay file-relative offsets for a PIE image and
// absolute addresses for a fixed-load executable; SetBase shifts the
// rebasing helpers, not the stored offsets.
type ELF struct {
	Path     string
	Entry    uint64
	Checksec Checksec
	Segments []Segment

	base      uint64
	pieOrSo   bool
	symbols   map[string]uint64
	functions map[string]Function
	got       map[string]uint64
	bss       uint64
}

// NewFromParts assembles an image view from metadata recovered elsewhere,
// e.g. from a memory snapshot instead of an on-disk file. Function entries
// are derived for every symbol that has one in fns.
func NewFromParts(path string, segs []Segment, syms map[string]uint64,
	fns map[string]Function, got map[string]uint64, bss uint64) *ELF {
	e := &ELF{
		Path:      path,
		Segments:  segs,
		symbols:   make(map[string]uint64),
		functions: make(map[string]Function),
		got:       make(map[string]uint64),
		bss:       bss,
	}
	sort.Slice(e.Segments, func(i, j int) bool {
		return e.Segments[i].VAddr < e.Segments[j].VAddr
	})
	for name, v := range syms {
		e.symbols[name] = v
	}
	for name, f := range fns {
		e.functions[name] = f
		if _, ok := e.symbols[name]; !ok {
			e.symbols[name] = f.Address
		}
	}
	for name, v := range got {
		e.got[name] = v
	}
	return e
}

// Open parses the ELF image at path.
func Open(path string) (*ELF, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("expected x86-64 (EM_X86_64), got %v", f.Machine)
	}

	e := &ELF{
		Path:      path,
		Entry:     f.Entry,
		pieOrSo:   f.Type == elf.ET_DYN,
		symbols:   make(map[string]uint64),
		functions: make(map[string]Function),
		got:       make(map[string]uint64),
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr,
			Filesz: prog.Filesz,
			Memsz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}
		e.Segments = append(e.Segments, seg)
	}
	sort.Slice(e.Segments, func(i, j int) bool {
		return e.Segments[i].VAddr < e.Segments[j].VAddr
	})
	if len(e.Segments) == 0 {
		return nil, fmt.Errorf("no PT_LOAD segments in %s", path)
	}

	e.loadSymbols(f)
	e.loadPlt(f)
	e.loadGot(f)
	e.loadBss(f)
	e.checksec(f)

	log.L.Debug("parsed image",
		zap.String("path", path),
		zap.String("checksec", e.Checksec.String()))

	return e, nil
}

func (e *ELF) loadSymbols(f *elf.File) {
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			name := stripVersion(sym.Name)
			e.symbols[name] = sym.Value
			if elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				e.functions[name] = Function{
					Name:    name,
					Address: sym.Value,
					Size:    sym.Size,
				}
			}
		}
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
}

// loadPlt attributes PLT stubs to imported functions, so elf.sym works
// for symbols the image does not define itself. The stub order matches the
// .rela.plt entry order on x86-64: a 16-byte header followed by 16-byte
// entries.
func (e *ELF) loadPlt(f *elf.File) {
	pltSec := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if pltSec == nil || relaPlt == nil {
		return
	}
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	relaData, err := relaPlt.Data()
	if err != nil {
		return
	}

	const pltHeaderSize = 16
	const pltEntrySize = 16

	entryIdx := 0
	for i := 0; i+24 <= len(relaData); i += 24 {
		rInfo := binary.LittleEndian.Uint64(relaData[i+8:])
		// DynamicSymbols skips STN_UNDEF at index 0.
		symIdx := int(rInfo>>32) - 1
		if symIdx < 0 || symIdx >= len(dynSyms) {
			entryIdx++
			continue
		}
		sym := dynSyms[symIdx]
		name := stripVersion(sym.Name)
		if name == "" || sym.Value != 0 {
			entryIdx++
			continue
		}
		pltAddr := pltSec.Addr + pltHeaderSize + uint64(entryIdx)*pltEntrySize
		if _, defined := e.symbols[name]; !defined {
			e.symbols[name] = pltAddr
			e.functions[name] = Function{Name: name, Address: pltAddr, Size: pltEntrySize}
		}
		entryIdx++
	}
}

// loadGot walks .rela.plt and .rela.dyn for JUMP_SLOT and GLOB_DAT
// relocations. Each one names a GOT slot the dynamic linker fills in, which
// is exactly the set pwntools exposes as elf.got.
func (e *ELF) loadGot(f *elf.File) {
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		// Each RELA entry is 24 bytes: r_offset, r_info, r_addend.
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			relType := uint32(rInfo)
			if relType != rX8664JumpSlot && relType != rX8664GlobDat {
				continue
			}
			// DynamicSymbols skips STN_UNDEF at index 0.
			symIdx := int(rInfo>>32) - 1
			if symIdx < 0 || symIdx >= len(dynSyms) {
				continue
			}
			name := stripVersion(dynSyms[symIdx].Name)
			if name == "" {
				continue
			}
			e.got[name] = rOffset
		}
	}
}

func (e *ELF) loadBss(f *elf.File) {
	if sec := f.Section(".bss"); sec != nil {
		e.bss = sec.Addr
		return
	}
	// No .bss section: fall back to the end of the last writable segment's
	// file-backed portion.
	for i := len(e.Segments) - 1; i >= 0; i-- {
		if e.Segments[i].IsWritable() {
			e.bss = e.Segments[i].VAddr + e.Segments[i].Filesz
			return
		}
	}
}

func (e *ELF) checksec(f *elf.File) {
	e.Checksec.HasPIE = f.Type == elf.ET_DYN

	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if stripVersion(sym.Name) == "__stack_chk_fail" {
				e.Checksec.HasCanary = true
				break
			}
		}
	}

	var hasRelro bool
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_GNU_RELRO:
			hasRelro = true
		case elf.PT_GNU_STACK:
			e.Checksec.HasNX = prog.Flags&elf.PF_X == 0
		}
	}
	if hasRelro {
		bindNow, _ := hasBindNow(f)
		e.Checksec.HasFullRELRO = bindNow
	}
}

func hasBindNow(f *elf.File) (bool, error) {
	if vals, err := f.DynValue(elf.DT_FLAGS); err == nil {
		for _, v := range vals {
			if v&uint64(elf.DF_BIND_NOW) != 0 {
				return true, nil
			}
		}
	}
	if vals, err := f.DynValue(elf.DT_FLAGS_1); err == nil {
		for _, v := range vals {
			if v&uint64(elf.DF_1_NOW) != 0 {
				return true, nil
			}
		}
	}
	// DT_BIND_NOW itself, present at all means bind-now.
	if vals, err := f.DynValue(elf.DT_BIND_NOW); err == nil && len(vals) > 0 {
		return true, nil
	}
	return false, nil
}

func stripVersion(name string) string {
	if i := strings.Index(name, "@"); i != -1 {
		return name[:i]
	}
	return name
}

// SetBase records the image's runtime load base. Meaningful for PIE images
// and shared objects; a fixed-load executable keeps base 0 since its file
// addresses are already absolute.
func (e *ELF) SetBase(base uint64) {
	e.base = base
}

// Base returns the recorded runtime load base.
func (e *ELF) Base() uint64 { return e.base }

// IsPIE reports whether the image is position independent.
func (e *ELF) IsPIE() bool { return e.pieOrSo }

// Symbol returns a symbol's file-relative address.
func (e *ELF) Symbol(name string) (uint64, bool) {
	v, ok := e.symbols[name]
	return v, ok
}

// GotEntry returns a GOT slot's file-relative address.
func (e *ELF) GotEntry(name string) (uint64, bool) {
	v, ok := e.got[name]
	return v, ok
}

// Bss returns the BSS segment's file-relative address.
func (e *ELF) Bss() uint64 { return e.bss }

// Function returns a defined function symbol.
func (e *ELF) Function(name string) (Function, bool) {
	f, ok := e.functions[name]
	return f, ok
}

// Rebase maps a file-relative address to its runtime address.
func (e *ELF) Rebase(vaddr uint64) uint64 {
	return e.base + vaddr
}

// ReadAt returns n bytes of file data at the file-relative address vaddr.
func (e *ELF) ReadAt(vaddr uint64, n int) ([]byte, error) {
	for i := range e.Segments {
		seg := &e.Segments[i]
		if vaddr < seg.VAddr || vaddr+uint64(n) > seg.VAddr+seg.Filesz {
			continue
		}
		off := vaddr - seg.VAddr
		out := make([]byte, n)
		copy(out, seg.Data[off:off+uint64(n)])
		return out, nil
	}
	return nil, fmt.Errorf("address %#x not backed by file data", vaddr)
}
