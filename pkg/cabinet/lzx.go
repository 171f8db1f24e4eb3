package cabinet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	lzxFrameSize = 32 * 1024

	lzxMinWindowBits = 15
	lzxMaxWindowBits = 21

	lzxNumChars          = 256
	lzxPrimaryLengths    = 7
	lzxSecondaryLengths  = 249
	lzxMinMatch          = 2
	lzxPretreeSymbols    = 20
	lzxAlignedSymbols    = 8
	lzxE8FrameLimit      = 32768
	lzxE8MinFrame        = 10
	lzxUncompressedState = 12

	lzxBlockVerbatim     = 1
	lzxBlockAligned      = 2
	lzxBlockUncompressed = 3
)

var (
	errLZXTruncated   = errors.New("lzx: unexpected end of block data")
	errLZXInvalidCode = errors.New("lzx: invalid huffman code")

	// position slots per window size, starting at 15 bits
	lzxPositionSlots = [...]int{30, 32, 34, 36, 38, 42, 50}

	lzxExtraBits    [51]uint
	lzxPositionBase [51]int
)

func init() {
	var j uint
	for i := 0; i < len(lzxExtraBits); i += 2 {
		lzxExtraBits[i] = j
		if i+1 < len(lzxExtraBits) {
			lzxExtraBits[i+1] = j
		}
		if i != 0 && j < 17 {
			j++
		}
	}
	base := 0
	for i := range lzxPositionBase {
		lzxPositionBase[i] = base
		base += 1 << lzxExtraBits[i]
	}
}

// lzxDecoder expands the LZX frames of one folder. Every data block is one
// frame with its own bitstream; the window, trees, repeated offsets and the
// current block carry over from one frame to the next.
type lzxDecoder struct {
	window []byte
	pos    int
	// bytes produced by earlier frames
	total int64
	slots int

	headerRead bool
	e8Size     int32
	e8Started  bool
	frames     int

	blockType      int
	blockLength    int
	blockRemaining int
	r0, r1, r2     int

	mainLens    []uint8
	lengthLens  []uint8
	alignedLens []uint8
	main        huffman
	length      huffman
	aligned     huffman
}

func newLZXDecoder(windowBits int) (*lzxDecoder, error) {
	if windowBits < lzxMinWindowBits || windowBits > lzxMaxWindowBits {
		return nil, fmt.Errorf("%w: lzx window of %d bits", ErrUnsupportedCompression, windowBits)
	}
	slots := lzxPositionSlots[windowBits-lzxMinWindowBits]
	return &lzxDecoder{
		window:      make([]byte, 1<<windowBits),
		slots:       slots,
		r0:          1,
		r1:          1,
		r2:          1,
		mainLens:    make([]uint8, lzxNumChars+slots*8),
		lengthLens:  make([]uint8, lzxSecondaryLengths),
		alignedLens: make([]uint8, lzxAlignedSymbols),
	}, nil
}

func (d *lzxDecoder) decode(payload []byte, uncompressedSize int) ([]byte, error) {
	if uncompressedSize > lzxFrameSize {
		return nil, fmt.Errorf("lzx: frame of %d bytes exceeds %d", uncompressedSize, lzxFrameSize)
	}
	if d.pos+uncompressedSize > len(d.window) {
		return nil, errors.New("lzx: frame crosses the window end")
	}
	br := lzxBits{data: payload}
	if !d.headerRead {
		if br.read(1) == 1 {
			hi := br.read(16)
			lo := br.read(16)
			d.e8Size = int32(hi<<16 | lo)
		}
		d.headerRead = true
	}

	start := d.pos
	end := d.pos + uncompressedSize
	for d.pos < end {
		if d.blockRemaining == 0 {
			if err := d.readBlockHeader(&br); err != nil {
				return nil, err
			}
		}
		run := min(d.blockRemaining, end-d.pos)
		produced, err := d.decodeRun(&br, start, run)
		if err != nil {
			return nil, err
		}
		if produced > d.blockRemaining {
			return nil, errors.New("lzx: match crosses the block end")
		}
		d.blockRemaining -= produced
	}
	if d.pos != end {
		return nil, errors.New("lzx: match crosses the frame end")
	}
	if br.truncated() {
		return nil, errLZXTruncated
	}

	out := make([]byte, uncompressedSize)
	copy(out, d.window[start:end])
	if d.e8Started && d.e8Size != 0 && d.frames < lzxE8FrameLimit && uncompressedSize > lzxE8MinFrame {
		undoE8(out, int32(d.total), d.e8Size)
	}
	d.frames++
	d.total += int64(uncompressedSize)
	if d.pos == len(d.window) {
		d.pos = 0
	}
	return out, nil
}

func (d *lzxDecoder) readBlockHeader(br *lzxBits) error {
	if d.blockType == lzxBlockUncompressed && d.blockLength&1 == 1 {
		// odd uncompressed blocks are padded to a word
		br.skip(1)
	}
	d.blockType = int(br.read(3))
	hi := br.read(16)
	lo := br.read(8)
	d.blockLength = int(hi<<8 | lo)
	d.blockRemaining = d.blockLength

	switch d.blockType {
	case lzxBlockAligned:
		for i := range d.alignedLens {
			d.alignedLens[i] = uint8(br.read(3))
		}
		if err := d.aligned.build(d.alignedLens); err != nil {
			return fmt.Errorf("lzx: aligned tree: %w", err)
		}
		fallthrough
	case lzxBlockVerbatim:
		if err := readLengths(br, d.mainLens[:lzxNumChars]); err != nil {
			return err
		}
		if err := readLengths(br, d.mainLens[lzxNumChars:]); err != nil {
			return err
		}
		if err := d.main.build(d.mainLens); err != nil {
			return fmt.Errorf("lzx: main tree: %w", err)
		}
		if d.mainLens[0xE8] != 0 {
			d.e8Started = true
		}
		if err := readLengths(br, d.lengthLens); err != nil {
			return err
		}
		if err := d.length.build(d.lengthLens); err != nil {
			return fmt.Errorf("lzx: length tree: %w", err)
		}
	case lzxBlockUncompressed:
		d.e8Started = true
		br.align()
		state, ok := br.raw(lzxUncompressedState)
		if !ok {
			return errLZXTruncated
		}
		d.r0 = int(binary.LittleEndian.Uint32(state))
		d.r1 = int(binary.LittleEndian.Uint32(state[4:]))
		d.r2 = int(binary.LittleEndian.Uint32(state[8:]))
	default:
		return fmt.Errorf("lzx: invalid block type %d", d.blockType)
	}
	if br.truncated() {
		return errLZXTruncated
	}
	if d.blockLength == 0 {
		return errors.New("lzx: empty block")
	}
	return nil
}

// decodeRun expands at least run bytes of the current block and returns
// how many it produced. A trailing match may go past run.
func (d *lzxDecoder) decodeRun(br *lzxBits, frameStart, run int) (int, error) {
	if d.blockType == lzxBlockUncompressed {
		b, ok := br.raw(run)
		if !ok {
			return 0, errLZXTruncated
		}
		d.pos += copy(d.window[d.pos:], b)
		return run, nil
	}

	mask := len(d.window) - 1
	produced := 0
	for produced < run {
		sym, err := d.main.decode(br)
		if err != nil {
			return 0, err
		}
		if sym < lzxNumChars {
			d.window[d.pos] = byte(sym)
			d.pos++
			produced++
			continue
		}

		sym -= lzxNumChars
		length := sym & lzxPrimaryLengths
		if length == lzxPrimaryLengths {
			footer, err := d.length.decode(br)
			if err != nil {
				return 0, err
			}
			length += footer
		}
		length += lzxMinMatch

		offset, err := d.matchOffset(br, sym>>3)
		if err != nil {
			return 0, err
		}
		history := d.total + int64(d.pos-frameStart)
		if int64(offset) > history || offset > len(d.window) || offset <= 0 {
			return 0, fmt.Errorf("lzx: match offset %d outside the window", offset)
		}
		if d.pos+length > len(d.window) {
			return 0, errors.New("lzx: match crosses the window end")
		}
		src := d.pos - offset
		for i := 0; i < length; i++ {
			d.window[d.pos+i] = d.window[(src+i)&mask]
		}
		d.pos += length
		produced += length
		if br.truncated() {
			return 0, errLZXTruncated
		}
	}
	return produced, nil
}

func (d *lzxDecoder) matchOffset(br *lzxBits, slot int) (int, error) {
	switch slot {
	case 0:
		return d.r0, nil
	case 1:
		d.r0, d.r1 = d.r1, d.r0
		return d.r0, nil
	case 2:
		d.r0, d.r2 = d.r2, d.r0
		return d.r0, nil
	}
	if slot >= d.slots {
		return 0, fmt.Errorf("lzx: position slot %d out of range", slot)
	}

	extra := lzxExtraBits[slot]
	offset := lzxPositionBase[slot] - 2
	if d.blockType == lzxBlockAligned && extra >= 3 {
		offset += int(br.read(extra-3)) << 3
		bits, err := d.aligned.decode(br)
		if err != nil {
			return 0, err
		}
		offset += bits
	} else {
		offset += int(br.read(extra))
	}
	d.r0, d.r1, d.r2 = offset, d.r0, d.r1
	return offset, nil
}

// readLengths updates lens from a pretree-coded list of deltas.
func readLengths(br *lzxBits, lens []uint8) error {
	var pre huffman
	var preLens [lzxPretreeSymbols]uint8
	for i := range preLens {
		preLens[i] = uint8(br.read(4))
	}
	if err := pre.build(preLens[:]); err != nil {
		return fmt.Errorf("lzx: pretree: %w", err)
	}

	delta := func(x, z int) uint8 {
		v := int(lens[x]) - z
		if v < 0 {
			v += 17
		}
		return uint8(v)
	}
	for x := 0; x < len(lens); {
		z, err := pre.decode(br)
		if err != nil {
			return err
		}
		switch z {
		case 17, 18:
			var n int
			if z == 17 {
				n = int(br.read(4)) + 4
			} else {
				n = int(br.read(5)) + 20
			}
			for ; n > 0 && x < len(lens); n-- {
				lens[x] = 0
				x++
			}
		case 19:
			n := int(br.read(1)) + 4
			z, err = pre.decode(br)
			if err != nil {
				return err
			}
			if z > 16 {
				return errLZXInvalidCode
			}
			v := delta(x, z)
			for ; n > 0 && x < len(lens); n-- {
				lens[x] = v
				x++
			}
		default:
			lens[x] = delta(x, z)
			x++
		}
		if br.truncated() {
			return errLZXTruncated
		}
	}
	return nil
}

// undoE8 reverts the x86 call translation applied to frame, which starts
// at pos in the uncompressed stream.
func undoE8(frame []byte, pos, fileSize int32) {
	for i := 0; i < len(frame)-lzxE8MinFrame; {
		if frame[i] != 0xE8 {
			i++
			pos++
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(frame[i+1:]))
		if abs >= -pos && abs < fileSize {
			rel := abs + fileSize
			if abs >= 0 {
				rel = abs - pos
			}
			binary.LittleEndian.PutUint32(frame[i+1:], uint32(rel))
		}
		i += 5
		pos += 5
	}
}

// huffman decodes canonical codes through a table indexed by the next
// maxLen bits of input.
type huffman struct {
	table  []uint32
	maxLen uint
}

const huffmanLenBits = 5

func (h *huffman) build(lens []uint8) error {
	var count [17]int
	var maxLen uint
	for _, l := range lens {
		if l > 16 {
			return fmt.Errorf("code length %d", l)
		}
		count[l]++
		maxLen = max(maxLen, uint(l))
	}
	h.maxLen = maxLen
	if maxLen == 0 {
		h.table = h.table[:0]
		return nil
	}

	count[0] = 0
	var next [17]int
	code := 0
	for l := 1; l <= 16; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}
	size := 1 << maxLen
	if cap(h.table) >= size {
		h.table = h.table[:size]
		clear(h.table)
	} else {
		h.table = make([]uint32, size)
	}
	for sym, l := range lens {
		if l == 0 {
			continue
		}
		c := next[l]
		next[l]++
		if c >= 1<<l {
			return errors.New("oversubscribed code lengths")
		}
		shift := maxLen - uint(l)
		entry := uint32(sym)<<huffmanLenBits | uint32(l)
		for i := c << shift; i < (c+1)<<shift; i++ {
			h.table[i] = entry
		}
	}
	return nil
}

func (h *huffman) decode(br *lzxBits) (int, error) {
	if h.maxLen == 0 {
		return 0, errLZXInvalidCode
	}
	e := h.table[br.peek(h.maxLen)]
	l := uint(e & (1<<huffmanLenBits - 1))
	if l == 0 {
		return 0, errLZXInvalidCode
	}
	br.consume(l)
	return int(e >> huffmanLenBits), nil
}

// lzxBits reads little-endian 16-bit words most significant bit first.
// Reads past the end yield zeros and are reported by truncated.
type lzxBits struct {
	data []byte
	pos  int
	buf  uint64
	n    uint
}

func (b *lzxBits) fill(want uint) {
	for b.n < want {
		var w uint64
		if b.pos < len(b.data) {
			w = uint64(b.data[b.pos])
		}
		if b.pos+1 < len(b.data) {
			w |= uint64(b.data[b.pos+1]) << 8
		}
		b.pos += 2
		b.buf |= w << (48 - b.n)
		b.n += 16
	}
}

func (b *lzxBits) peek(n uint) uint32 {
	b.fill(n)
	return uint32(b.buf >> (64 - n))
}

func (b *lzxBits) consume(n uint) {
	b.buf <<= n
	b.n -= n
}

func (b *lzxBits) read(n uint) uint32 {
	if n == 0 {
		return 0
	}
	v := b.peek(n)
	b.consume(n)
	return v
}

// align drops the rest of the current word, or a whole word when already
// on a boundary.
func (b *lzxBits) align() {
	if b.n == 0 {
		b.fill(16)
	}
	b.buf, b.n = 0, 0
}

// raw returns the next n bytes; the bit buffer must be empty.
func (b *lzxBits) raw(n int) ([]byte, bool) {
	if b.pos+n > len(b.data) {
		return nil, false
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, true
}

func (b *lzxBits) skip(n int) {
	b.pos += n
}

func (b *lzxBits) truncated() bool {
	return uint(b.pos)*8-b.n > uint(len(b.data))*8
}
