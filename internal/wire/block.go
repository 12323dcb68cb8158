package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Sample is one complex 16-bit sample.
type Sample struct {
	Re int16
	Im int16
}

// Block is a header plus its payload, laid out beam-major, then antenna,
// then time. Beam positions follow ascending beam id.
type Block struct {
	Header
	beams   []int
	samples []Sample
}

// NewBlock allocates a zeroed block for h.
func NewBlock(h Header) (*Block, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &Block{
		Header:  h,
		beams:   h.Beams(),
		samples: make([]Sample, int(h.Samples)*int(h.Antennas)*h.BeamCount()),
	}, nil
}

// Stream returns the samples of one antenna for the beam at payload
// position pos. The slice aliases the block.
func (b *Block) Stream(pos, antenna int) []Sample {
	n := int(b.Samples)
	off := (pos*int(b.Antennas) + antenna) * n
	return b.samples[off : off+n : off+n]
}

// BeamIDs lists the beam ids in payload order.
func (b *Block) BeamIDs() []int { return b.beams }

// Position returns the payload position of beamID, or -1.
func (b *Block) Position(beamID int) int {
	for i, id := range b.beams {
		if id == beamID {
			return i
		}
	}
	return -1
}

// AppendTo appends the full wire encoding of the block to dst.
func (b *Block) AppendTo(dst []byte) []byte {
	dst = AppendHeader(dst, b.Header)
	return appendSamples(dst, b.samples)
}

// DecodePayload builds a block from its header and payload bytes.
func DecodePayload(payload []byte, h Header) (*Block, error) {
	blk, err := NewBlock(h)
	if err != nil {
		return nil, err
	}
	if len(payload) != h.PayloadLen() {
		return nil, fmt.Errorf("decode payload: %w: have %d bytes, want %d", ErrShortBuffer, len(payload), h.PayloadLen())
	}
	for i := range blk.samples {
		blk.samples[i] = Sample{
			Re: int16(binary.LittleEndian.Uint16(payload[i*SampleSize:])),
			Im: int16(binary.LittleEndian.Uint16(payload[i*SampleSize+2:])),
		}
	}
	return blk, nil
}

// Encode frames samples[beam][antenna][time] as one block starting at ts.
// beamIDs[i] names the beam carried by samples[i]; the payload is written
// in ascending beam id order whatever order the caller used.
func Encode(ts uint64, beamIDs []int, samples [][][]Sample) ([]byte, error) {
	if len(beamIDs) == 0 || len(beamIDs) != len(samples) {
		return nil, fmt.Errorf("encode: %d beam ids for %d beam buffers", len(beamIDs), len(samples))
	}
	mask, err := BeamsToMask(beamIDs)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	antennas := len(samples[0])
	if antennas == 0 {
		return nil, fmt.Errorf("encode: no antennas")
	}
	n := len(samples[0][0])
	for i, beam := range samples {
		if len(beam) != antennas {
			return nil, fmt.Errorf("encode: beam %d has %d antennas, want %d", beamIDs[i], len(beam), antennas)
		}
		for a, s := range beam {
			if len(s) != n {
				return nil, fmt.Errorf("encode: beam %d antenna %d has %d samples, want %d", beamIDs[i], a, len(s), n)
			}
		}
	}

	h := Header{Samples: uint32(n), Antennas: uint32(antennas), Timestamp: ts, BeamMask: mask}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	order := make([]int, len(beamIDs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return beamIDs[order[i]] < beamIDs[order[j]] })

	out := make([]byte, 0, HeaderLen+h.PayloadLen())
	out = AppendHeader(out, h)
	for _, idx := range order {
		for _, s := range samples[idx] {
			out = appendSamples(out, s)
		}
	}
	return out, nil
}

// ReadBlock reads one framed block from r.
func ReadBlock(r io.Reader) (*Block, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return DecodePayload(payload, h)
}

func appendSamples(dst []byte, s []Sample) []byte {
	var tmp [SampleSize]byte
	for _, v := range s {
		binary.LittleEndian.PutUint16(tmp[0:2], uint16(v.Re))
		binary.LittleEndian.PutUint16(tmp[2:4], uint16(v.Im))
		dst = append(dst, tmp[:]...)
	}
	return dst
}
