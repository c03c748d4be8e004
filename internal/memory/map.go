package memory

import (
	"sort"

	"github.com/LJP-TW/CRAXplusplus/internal/engine"
)

const pageSize = 0x1000

// Module labels used in region attribution.
const (
	LabelTarget = "target"
	LabelLibc   = "libc.so.6"
	LabelLd     = "ld-linux-x86-64.so.2"
	LabelStack  = "[stack]"
	LabelShared = "[shared library]"
)

// Map is a vmmap-style snapshot of a state's address space. Regions are
// sorted by start address and never overlap.
type Map struct {
	Regions []engine.Region
}

// Map builds the state's memory map. Adjacent regions with identical
// permissions and module are merged. When the backend does not report a
// stack region, the stack is rediscovered by probing pages outward from
// RSP, which some engine backends cannot attribute themselves.
func (m *Memory) Map() Map {
	regions := m.state.Regions()
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Start < regions[j].Start
	})

	var merged []engine.Region
	for _, r := range regions {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.End == r.Start && last.R == r.R && last.W == r.W &&
				last.X == r.X && last.Module == r.Module {
				last.End = r.End
				continue
			}
		}
		merged = append(merged, r)
	}

	out := Map{Regions: merged}
	if !out.hasModule("[stack]") {
		if stack, ok := m.probeStack(); ok {
			out.insert(stack)
		}
	}
	return out
}

// probeStack walks page by page from the page containing RSP, first down
// then up, until the first unmapped page in each direction.
func (m *Memory) probeStack() (engine.Region, bool) {
	rsp := m.state.RegRead(engine.RSP)
	if rsp == 0 || !m.state.IsMapped(rsp) {
		return engine.Region{}, false
	}
	page := rsp &^ uint64(pageSize-1)

	start := page
	for start >= pageSize && m.state.IsMapped(start-pageSize) {
		start -= pageSize
	}
	end := page + pageSize
	for m.state.IsMapped(end) {
		end += pageSize
	}

	return engine.Region{
		Start:  start,
		End:    end,
		R:      true,
		W:      true,
		Module: "[stack]",
	}, true
}

func (mp *Map) hasModule(module string) bool {
	for _, r := range mp.Regions {
		if r.Module == module {
			return true
		}
	}
	return false
}

// insert places r into the map, carving it out of any overlapping regions
// so the no-overlap invariant holds.
func (mp *Map) insert(r engine.Region) {
	var out []engine.Region
	for _, old := range mp.Regions {
		if old.End <= r.Start || old.Start >= r.End {
			out = append(out, old)
			continue
		}
		if old.Start < r.Start {
			head := old
			head.End = r.Start
			out = append(out, head)
		}
		if old.End > r.End {
			tail := old
			tail.Start = r.End
			out = append(out, tail)
		}
	}
	out = append(out, r)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	mp.Regions = out
}

// Find returns the region containing addr.
func (mp *Map) Find(addr uint64) (engine.Region, bool) {
	i := sort.Search(len(mp.Regions), func(i int) bool {
		return mp.Regions[i].End > addr
	})
	if i < len(mp.Regions) && mp.Regions[i].Contains(addr) {
		return mp.Regions[i], true
	}
	return engine.Region{}, false
}

// ModuleBaseAddress returns the lowest mapped address belonging to the
// named module.
func (mp *Map) ModuleBaseAddress(module string) (uint64, bool) {
	for _, r := range mp.Regions {
		if r.Module == module {
			return r.Start, true
		}
	}
	return 0, false
}

// ModuleBaseOf returns the base address of the module mapped at addr.
func (mp *Map) ModuleBaseOf(addr uint64) (uint64, bool) {
	r, ok := mp.Find(addr)
	if !ok || r.Module == "" {
		return 0, false
	}
	return mp.ModuleBaseAddress(r.Module)
}

// Module returns the name of the module mapped at addr.
func (mp *Map) Module(addr uint64) (string, bool) {
	r, ok := mp.Find(addr)
	if !ok || r.Module == "" {
		return "", false
	}
	return r.Module, true
}
