package exploit

import (
	"encoding/binary"
	"fmt"

	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
	"github.com/LJP-TW/CRAXplusplus/internal/technique"
)

// RopPayloadBuilder assembles the staged ROP payload from the chained
// techniques.
//
// It starts in symbolic mode: the first technique's leading subchain is
// converted into constraints on the hijacked state (saved RBP, then RIP,
// then the words above RSP), and the stage-one payload is whatever input
// satisfies them. Everything after that is concrete and appended directly;
// those subchains become the later sends of the exploit.
type RopPayloadBuilder struct {
	state engine.State

	symbolicMode       bool
	shouldSkipSavedRbp bool
	rspOffset          uint64

	payload []expr.RopSubchain
}

// NewRopPayloadBuilder creates a builder bound to the hijacked state.
func NewRopPayloadBuilder(s engine.State) *RopPayloadBuilder {
	return &RopPayloadBuilder{
		state:        s,
		symbolicMode: true,
	}
}

// Reset returns the builder to its initial symbolic mode.
func (b *RopPayloadBuilder) Reset() {
	b.symbolicMode = true
	b.shouldSkipSavedRbp = false
	b.rspOffset = 0
	b.payload = nil
}

// Chain appends one technique's payload. Techniques without a ROP formula
// are a no-op.
func (b *RopPayloadBuilder) Chain(t technique.Technique) error {
	subchains, err := t.RopSubchains()
	if err != nil {
		return fmt.Errorf("chaining %s: %w", t.Name(), err)
	}
	if len(subchains) == 0 {
		return nil
	}
	if b.symbolicMode {
		return b.chainSymbolic(subchains, t.ExtraRopSubchain())
	}
	b.chainDirect(subchains, t.ExtraRopSubchain(), 0)
	return nil
}

// Build finalizes and returns the payload list. The first subchain holds
// the solved stage-one bytes.
func (b *RopPayloadBuilder) Build() ([]expr.RopSubchain, error) {
	if b.symbolicMode {
		if err := b.buildStage1(); err != nil {
			return nil, err
		}
	}
	for len(b.payload) > 0 && len(b.payload[len(b.payload)-1]) == 0 {
		b.payload = b.payload[:len(b.payload)-1]
	}
	return b.payload, nil
}

func (b *RopPayloadBuilder) chainSymbolic(subchains []expr.RopSubchain, extra expr.RopSubchain) error {
	rsp := b.state.RegRead(engine.RSP)

	log.L.Info("adding ROP constraints")
	for i, e := range subchains[0] {
		value := evalU64(e)
		var ok bool
		switch i {
		case 0:
			ok = b.state.ConstrainRegister(engine.RBP, value)
		case 1:
			ok = b.state.ConstrainRegister(engine.RIP, value)
		default:
			ok = b.state.ConstrainMemory(rsp+b.rspOffset, value)
			b.rspOffset += expr.WordSize
		}
		if !ok {
			return fmt.Errorf("rop constraint rejected at slot %d (%s)", i, e.String())
		}
	}

	if len(subchains[0]) == 0 {
		b.payload = append(b.payload, expr.RopSubchain{})
	} else if err := b.buildStage1(); err != nil {
		return err
	}
	b.payload = append(b.payload, expr.RopSubchain{})

	// The stage-one bytes absorb the first subchain; the rest of the
	// technique's payload is concrete data the exploit sends later.
	b.symbolicMode = false
	b.shouldSkipSavedRbp = true
	b.rspOffset = 0
	if len(subchains) > 1 || len(extra) > 0 {
		b.chainDirect(subchains, extra, 1)
	}
	return nil
}

func (b *RopPayloadBuilder) chainDirect(subchains []expr.RopSubchain, extra expr.RopSubchain, begin int) {
	// The first expr of a technique's leading subchain is the saved RBP
	// slot; it only belongs in the very first payload.
	j := 0
	if b.shouldSkipSavedRbp && begin == 0 {
		j = 1
	}
	b.shouldSkipSavedRbp = true

	if len(b.payload) == 0 {
		b.payload = append(b.payload, expr.RopSubchain{})
	}

	for i := begin; i < len(subchains); i++ {
		start := j
		j = 0
		if len(subchains[i]) == 0 {
			continue
		}
		last := len(b.payload) - 1
		for k := start; k < len(subchains[i]); k++ {
			b.payload[last] = append(b.payload[last], subchains[i][k])
			b.rspOffset += uint64(subchains[i][k].Width())
		}
		if i != len(subchains)-1 {
			b.payload = append(b.payload, expr.RopSubchain{})
		}
	}

	if len(extra) > 0 {
		b.payload = append(b.payload, extra)
	}
	b.payload = append(b.payload, expr.RopSubchain{})
}

func (b *RopPayloadBuilder) buildStage1() error {
	input, err := b.state.SolveInput()
	if err != nil {
		return fmt.Errorf("rop constraints unsatisfiable: %w", err)
	}
	b.payload = append(b.payload, expr.RopSubchain{expr.NewByteVector(input)})
	return nil
}

func evalU64(e expr.Expr) uint64 {
	if e.Width() != expr.WordSize {
		return 0
	}
	return binary.LittleEndian.Uint64(e.Bytes())
}
