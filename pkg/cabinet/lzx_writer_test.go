package cabinet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const testLZXWindowBits = 16

type lzxBlock struct {
	typ  int
	size int
}

// defaultLZXBlocks covers n bytes with a verbatim, an aligned, an odd-sized
// uncompressed and a final verbatim block.
func defaultLZXBlocks(n int) []lzxBlock {
	types := []int{lzxBlockVerbatim, lzxBlockAligned, lzxBlockUncompressed, lzxBlockVerbatim}
	cuts := []int{n * 8 / 15, n * 12 / 15, n*14/15 | 1, n}
	var blocks []lzxBlock
	start := 0
	for i, end := range cuts {
		end = min(end, n)
		if end > start {
			blocks = append(blocks, lzxBlock{typ: types[i], size: end - start})
			start = end
		}
	}
	return blocks
}

type lzxBitWriter struct {
	out bytes.Buffer
	acc uint32
	n   uint
}

func (w *lzxBitWriter) bits(v uint32, n uint) {
	for n > 0 {
		n--
		w.acc = w.acc<<1 | (v>>n)&1
		w.n++
		if w.n == 16 {
			w.out.WriteByte(byte(w.acc))
			w.out.WriteByte(byte(w.acc >> 8))
			w.acc, w.n = 0, 0
		}
	}
}

func (w *lzxBitWriter) align() {
	if w.n == 0 {
		w.bits(0, 16)
		return
	}
	w.bits(0, 16-w.n)
}

func (w *lzxBitWriter) flush() {
	if w.n > 0 {
		w.bits(0, 16-w.n)
	}
}

type lzxCode struct {
	lens  []uint8
	codes []uint32
}

func newLZXCode(lens []uint8) lzxCode {
	var count, next [17]uint32
	for _, l := range lens {
		count[l]++
	}
	count[0] = 0
	code := uint32(0)
	for l := 1; l <= 16; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}
	c := lzxCode{lens: lens, codes: make([]uint32, len(lens))}
	for sym, l := range lens {
		if l > 0 {
			c.codes[sym] = next[l]
			next[l]++
		}
	}
	return c
}

// lzxEncoder produces frames the decoder accepts. Matches are found
// greedily against a few fixed distances plus the repeated offsets.
type lzxEncoder struct {
	t      testing.TB
	slots  int
	e8Size int32

	w      *lzxBitWriter
	frames [][]byte
	sizes  []int
	cut    int

	main    []uint8
	length  []uint8
	r0      int
	r1      int
	r2      int
	pretree lzxCode
}

func encodeLZX(t testing.TB, data []byte, blocks []lzxBlock, e8Size int32) ([][]byte, []int) {
	t.Helper()
	slots := lzxPositionSlots[testLZXWindowBits-lzxMinWindowBits]
	preLens := make([]uint8, lzxPretreeSymbols)
	for i := range preLens {
		preLens[i] = 4
		if i >= 12 {
			preLens[i] = 5
		}
	}
	e := &lzxEncoder{
		t:       t,
		slots:   slots,
		e8Size:  e8Size,
		w:       &lzxBitWriter{},
		cut:     lzxFrameSize,
		main:    make([]uint8, lzxNumChars+slots*8),
		length:  make([]uint8, lzxSecondaryLengths),
		r0:      1,
		r1:      1,
		r2:      1,
		pretree: newLZXCode(preLens),
	}

	src := bytes.Clone(data)
	for start, frame := 0, 0; start < len(src); start, frame = start+lzxFrameSize, frame+1 {
		end := min(start+lzxFrameSize, len(src))
		if e8Size != 0 && frame < lzxE8FrameLimit && end-start > lzxE8MinFrame {
			applyE8(src[start:end], int32(start), e8Size)
		}
	}

	if e8Size != 0 {
		e.w.bits(1, 1)
		e.w.bits(uint32(e8Size)>>16, 16)
		e.w.bits(uint32(e8Size)&0xFFFF, 16)
	} else {
		e.w.bits(0, 1)
	}

	pos := 0
	prevOdd := false
	for _, b := range blocks {
		e.at(pos, len(src))
		if prevOdd {
			e.w.out.WriteByte(0)
		}
		e.w.bits(uint32(b.typ), 3)
		e.w.bits(uint32(b.size)>>8, 16)
		e.w.bits(uint32(b.size)&0xFF, 8)
		end := pos + b.size
		if b.typ == lzxBlockUncompressed {
			e.uncompressed(src, pos, end)
		} else {
			e.compressed(src, b.typ, pos, end)
		}
		prevOdd = b.typ == lzxBlockUncompressed && b.size&1 == 1
		pos = end
	}
	require.Equal(t, len(src), pos)
	e.w.flush()
	if len(src) > 0 {
		e.frames = append(e.frames, bytes.Clone(e.w.out.Bytes()))
		e.sizes = append(e.sizes, len(src)-(e.cut-lzxFrameSize))
	}
	return e.frames, e.sizes
}

// at starts a new frame when pos reaches the end of the current one.
func (e *lzxEncoder) at(pos, total int) {
	if pos != e.cut || pos == total {
		return
	}
	e.w.flush()
	e.frames = append(e.frames, bytes.Clone(e.w.out.Bytes()))
	e.sizes = append(e.sizes, lzxFrameSize)
	e.w = &lzxBitWriter{}
	e.cut += lzxFrameSize
}

func (e *lzxEncoder) uncompressed(src []byte, pos, end int) {
	e.w.align()
	var state [lzxUncompressedState]byte
	binary.LittleEndian.PutUint32(state[0:], uint32(e.r0))
	binary.LittleEndian.PutUint32(state[4:], uint32(e.r1))
	binary.LittleEndian.PutUint32(state[8:], uint32(e.r2))
	e.w.out.Write(state[:])
	for pos < end {
		e.at(pos, len(src))
		n := min(end, e.cut) - pos
		e.w.out.Write(src[pos : pos+n])
		pos += n
	}
}

func (e *lzxEncoder) compressed(src []byte, typ, pos, end int) {
	main := make([]uint8, len(e.main))
	for i := range main {
		main[i] = 9
	}
	length := make([]uint8, lzxSecondaryLengths)
	// the first block has no length tree, so matches stay short
	if typ == lzxBlockAligned || pos > 0 {
		for i := range length {
			length[i] = 8
			if i < 7 {
				length[i] = 7
			}
		}
	}
	alignedLens := make([]uint8, lzxAlignedSymbols)
	if typ == lzxBlockAligned {
		for i := range alignedLens {
			alignedLens[i] = 3
			e.w.bits(3, 3)
		}
	}
	e.writeLengths(e.main[:lzxNumChars], main[:lzxNumChars])
	e.writeLengths(e.main[lzxNumChars:], main[lzxNumChars:])
	e.writeLengths(e.length, length)
	copy(e.main, main)
	copy(e.length, length)

	mainCode := newLZXCode(main)
	lengthCode := newLZXCode(length)
	alignedCode := newLZXCode(alignedLens)
	maxMatch := 257
	if length[0] == 0 {
		maxMatch = lzxMinMatch + lzxPrimaryLengths - 1
	}

	for pos < end {
		e.at(pos, len(src))
		limit := min(maxMatch, min(end, e.cut)-pos)
		dist, n := e.longestMatch(src, pos, limit)
		if n < 3 {
			e.sym(mainCode, int(src[pos]))
			pos++
			continue
		}

		header := min(n-lzxMinMatch, lzxPrimaryLengths)
		slot, extra, footer := e.slotFor(dist)
		e.sym(mainCode, lzxNumChars+slot<<3|header)
		if header == lzxPrimaryLengths {
			e.sym(lengthCode, n-lzxMinMatch-lzxPrimaryLengths)
		}
		if slot >= 3 {
			if typ == lzxBlockAligned && extra >= 3 {
				e.w.bits(uint32(footer>>3), extra-3)
				e.sym(alignedCode, footer&7)
			} else {
				e.w.bits(uint32(footer), extra)
			}
		}
		pos += n
	}
}

func (e *lzxEncoder) longestMatch(src []byte, pos, limit int) (dist, n int) {
	for _, d := range []int{e.r0, e.r1, e.r2, 1, 3, 64, 1000, 7777} {
		if d <= 0 || d > pos {
			continue
		}
		m := 0
		for m < limit && src[pos+m] == src[pos+m-d] {
			m++
		}
		if m > n {
			dist, n = d, m
		}
	}
	return dist, n
}

// slotFor returns the position slot for dist and updates the repeated
// offsets the way the decoder will.
func (e *lzxEncoder) slotFor(dist int) (slot int, extra uint, footer int) {
	switch dist {
	case e.r0:
		return 0, 0, 0
	case e.r1:
		e.r0, e.r1 = e.r1, e.r0
		return 1, 0, 0
	case e.r2:
		e.r0, e.r2 = e.r2, e.r0
		return 2, 0, 0
	}
	formatted := dist + 2
	slot = e.slots - 1
	for lzxPositionBase[slot] > formatted {
		slot--
	}
	e.r0, e.r1, e.r2 = dist, e.r0, e.r1
	return slot, lzxExtraBits[slot], formatted - lzxPositionBase[slot]
}

func (e *lzxEncoder) sym(c lzxCode, s int) {
	require.NotZero(e.t, c.lens[s], "symbol %d has no code", s)
	e.w.bits(c.codes[s], uint(c.lens[s]))
}

// writeLengths emits next as deltas from prev, using the zero-run and
// same-value-run codes where they apply.
func (e *lzxEncoder) writeLengths(prev, next []uint8) {
	for i := 0; i < lzxPretreeSymbols; i++ {
		e.w.bits(uint32(e.pretree.lens[i]), 4)
	}
	delta := func(x int) int {
		return (int(prev[x]) - int(next[x]) + 17) % 17
	}
	for x := 0; x < len(next); {
		zeros := 0
		for x+zeros < len(next) && next[x+zeros] == 0 {
			zeros++
		}
		switch {
		case zeros >= 20:
			n := min(zeros, 51)
			e.sym(e.pretree, 18)
			e.w.bits(uint32(n-20), 5)
			x += n
			continue
		case zeros >= 4:
			n := min(zeros, 19)
			e.sym(e.pretree, 17)
			e.w.bits(uint32(n-4), 4)
			x += n
			continue
		}

		same := 1
		for x+same < len(next) && same < 5 && next[x+same] == next[x] {
			same++
		}
		if same >= 4 {
			e.sym(e.pretree, 19)
			e.w.bits(uint32(same-4), 1)
			e.sym(e.pretree, delta(x))
			x += same
			continue
		}
		e.sym(e.pretree, delta(x))
		x++
	}
}

// applyE8 is the inverse of undoE8.
func applyE8(frame []byte, pos, fileSize int32) {
	for i := 0; i < len(frame)-lzxE8MinFrame; {
		if frame[i] != 0xE8 {
			i++
			pos++
			continue
		}
		rel := int32(binary.LittleEndian.Uint32(frame[i+1:]))
		if rel >= -pos && rel < fileSize {
			abs := rel - fileSize
			if rel < fileSize-pos {
				abs = rel + pos
			}
			binary.LittleEndian.PutUint32(frame[i+1:], uint32(abs))
		}
		i += 5
		pos += 5
	}
}
