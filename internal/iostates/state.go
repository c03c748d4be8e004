package iostates

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LJP-TW/CRAXplusplus/internal/engine"
)

// LeakType classifies what a leaked value points into.
type LeakType int

const (
	LeakUnknown LeakType = iota
	LeakCode
	LeakLibc
	LeakHeap
	LeakStack
	LeakCanary
	numLeakTypes
)

var leakTypeNames = [numLeakTypes]string{
	"unknown", "code", "libc", "heap", "stack", "canary",
}

func (t LeakType) String() string {
	if t < 0 || t >= numLeakTypes {
		return "invalid"
	}
	return leakTypeNames[t]
}

// StateInfo is one entry of a state's I/O timeline.
type StateInfo interface {
	stateInfo()
}

// InputStateInfo records one stdin read and how many bytes the exploit
// must send to replay it.
type InputStateInfo struct {
	Offset uint64
}

// OutputStateInfo records one stdout write. Interesting entries carry a
// leaked value at BufIndex whose distance to its module base is BaseOffset.
type OutputStateInfo struct {
	Interesting bool
	BufIndex    uint64
	BaseOffset  uint64
	LeakType    LeakType
}

// SleepStateInfo records a nanosleep the exploit must mirror.
type SleepStateInfo struct {
	Sec int64
}

func (InputStateInfo) stateInfo()  {}
func (OutputStateInfo) stateInfo() {}
func (SleepStateInfo) stateInfo()  {}

// State is the module's per-execution-state bookkeeping.
type State struct {
	StateInfoList  []StateInfo
	LeakableOffset uint64

	// LastInputStateInfoIdx is the timeline index of the most recent
	// input, i.e. where the stage-one payload is sent.
	LastInputStateInfoIdx int

	// LastInputStateInfoIdxBeforeFirstSymbolicRip is resolved right
	// before exploit generation; -1 until then.
	LastInputStateInfoIdxBeforeFirstSymbolicRip int

	// CurrentLeakTargetIdx counts how many leak targets have been
	// satisfied so far.
	CurrentLeakTargetIdx int
}

// NewState returns empty bookkeeping.
func NewState() *State {
	return &State{LastInputStateInfoIdxBeforeFirstSymbolicRip: -1}
}

// Clone deep-copies the bookkeeping for a forked execution state.
func (s *State) Clone() engine.ModuleState {
	cp := *s
	cp.StateInfoList = append([]StateInfo(nil), s.StateInfoList...)
	return &cp
}

// String renders the timeline as a schedule, e.g. "i10,o1,o,i64". Sleep
// entries carry no replay data and render empty.
func (s *State) String() string {
	var sb strings.Builder
	for i, info := range s.StateInfoList {
		switch v := info.(type) {
		case InputStateInfo:
			sb.WriteByte('i')
			sb.WriteString(strconv.FormatUint(v.Offset, 10))
		case OutputStateInfo:
			sb.WriteByte('o')
			if v.Interesting {
				sb.WriteString(strconv.FormatUint(v.BufIndex, 10))
			}
		}
		if i != len(s.StateInfoList)-1 {
			sb.WriteByte(',')
		}
	}
	return sb.String()
}

// ParseStateInfoList parses a schedule produced by State.String.
func ParseStateInfoList(schedule string) ([]StateInfo, error) {
	if schedule == "" {
		return nil, nil
	}
	var out []StateInfo
	for _, s := range strings.Split(schedule, ",") {
		switch {
		case s == "":
			continue
		case s[0] == 'i':
			if len(s) == 1 {
				return nil, fmt.Errorf("input entry %q has no offset", s)
			}
			off, err := strconv.ParseUint(s[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("input entry %q: %w", s, err)
			}
			out = append(out, InputStateInfo{Offset: off})
		case s[0] == 'o':
			info := OutputStateInfo{}
			if len(s) > 1 {
				idx, err := strconv.ParseUint(s[1:], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("output entry %q: %w", s, err)
				}
				info.Interesting = true
				info.BufIndex = idx
			}
			out = append(out, info)
		default:
			return nil, fmt.Errorf("corrupted schedule entry %q", s)
		}
	}
	return out, nil
}
