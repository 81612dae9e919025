package block

import (
	"fmt"

	"github.com/rcornwell/ppujit/arm64/emitter"
	"github.com/rcornwell/ppujit/jit/translator"
	"github.com/rcornwell/ppujit/ppu/decoder"
	"github.com/rcornwell/ppujit/ppu/state"
)

// MaxInstructions caps how many guest instructions a single block may
// cover. It exists so a pathological run with no natural terminator (a
// tight loop the decoder never flags, or corrupted guest code) cannot
// grow one block without bound; compilation simply stops and emits a
// fallthrough exit at the cap.
const MaxInstructions = 512

// Fetcher reads one big-endian guest instruction word at the given guest
// address. The executor supplies this, backed by the Memory Window.
type Fetcher func(pc uint64) (uint32, error)

// Compiler drives the decoder and translator across a run of guest
// instructions and produces a Block ready to insert into a Cache.
type Compiler struct {
	Translator *translator.Translator
	Code       *CodeCache
	Fetch      Fetcher
}

// Compile decodes and lowers guest instructions starting at pc until a
// block terminator, the instruction cap, or an unlowerable instruction is
// reached (the last case yields a shorter block ending in a tier-0 exit,
// so the executor falls back to the interpreter for exactly the
// instruction that defeated it, and picks the JIT back up afterward).
func (c *Compiler) Compile(pc uint64) (*Block, error) {
	b := emitter.New(MaxInstructions * 12)
	cur := pc
	ctx := &translator.Context{BlockGuestBase: pc}

	for n := 0; n < MaxInstructions; n++ {
		word, err := c.Fetch(cur)
		if err != nil {
			return nil, fmt.Errorf("jit: fetch guest instruction at %#x: %w", cur, err)
		}
		d := decoder.Decode(word, cur)

		consumed, lowerErr := c.Translator.Lower(b, d, ctx)
		if lowerErr != nil {
			if cur == pc {
				// Nothing lowered yet: a block here would only exit back
				// to this same PC, so report the error and let the
				// executor interpret this instruction.
				return nil, lowerErr
			}
			// Stop the block here; emit a plain fallthrough exit so the
			// executor resumes at exactly this PC, where it will take the
			// interpreter's tier-0 path for one instruction and re-enter
			// the block cache afterward.
			emitFallthroughExit(b, cur)
			break
		}
		cur += uint64(consumed)
		if decoder.IsBlockTerminator(d) {
			break
		}
	}
	if b.Len() == 0 || !endsInExit(b) {
		emitFallthroughExit(b, cur)
	}

	ptr, err := c.Code.Write(b.Words)
	if err != nil {
		return nil, err
	}

	return &Block{
		StartPC:  pc,
		EndPC:    cur,
		Tier:     c.Translator.Tier,
		Code:     ptr,
		NumWords: len(b.Words),
	}, nil
}

// emitFallthroughExit writes the next-pc/exit-reason/ret trailer the
// translator's own lowerings use for every exit path, so a block compiled
// partway never falls off the end of its own code.
func emitFallthroughExit(b *emitter.Buf, nextPC uint64) {
	b.MovImm64(state.RegScratch0, nextPC)
	b.StrImm(3, state.RegScratch0, state.RegState, uint32(state.OffNextPC)/8)
	b.MovImm64(state.RegScratch0, uint64(state.ExitFallthrough))
	b.StrImm(2, state.RegScratch0, state.RegState, uint32(state.OffExitReason)/4)
	b.AddImm(0, 0, state.RegScratch0, 0, false) // sf32: load exit reason into X0, callBlock's return value
	b.Ret(state.RegLink)
}

// endsInExit reports whether the buffer's last word is the RET that every
// translator exit path finishes with. Used to avoid appending a redundant
// trailer when the loop ended on a real terminator.
func endsInExit(b *emitter.Buf) bool {
	if b.Len() == 0 {
		return false
	}
	const retX30 = 0xD65F03C0
	return b.Words[b.Len()-1] == retX30
}
