package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// =======================
// Sample block header
// =======================
//
// Wire format (little-endian, 32 bytes):
//
//	uint32 sample_count
//	uint32 antenna_count
//	uint64 start_timestamp
//	uint32 reserved0
//	uint32 reserved1
//	uint64 tx_beam_mask
const (
	HeaderLen   = 32
	SampleSize  = 4
	MaxAntennas = 64
	MaxBeams    = 64

	// MaxPayloadLen bounds the payload a single header may announce.
	MaxPayloadLen = 256 << 20
)

var (
	ErrMalformedHeader = errors.New("malformed sample block header")
	ErrShortBuffer     = errors.New("short buffer")
)

// Header describes one framed sample block.
type Header struct {
	Samples   uint32
	Antennas  uint32
	Timestamp uint64
	Reserved0 uint32
	Reserved1 uint32
	BeamMask  uint64
}

// Validate checks the header invariants.
func (h Header) Validate() error {
	if h.Samples == 0 {
		return fmt.Errorf("%w: zero sample count", ErrMalformedHeader)
	}
	if h.Antennas == 0 || h.Antennas > MaxAntennas {
		return fmt.Errorf("%w: antenna count %d outside [1,%d]", ErrMalformedHeader, h.Antennas, MaxAntennas)
	}
	if h.BeamMask == 0 {
		return fmt.Errorf("%w: empty beam mask", ErrMalformedHeader)
	}
	if n := uint64(h.Samples) * uint64(h.Antennas) * uint64(h.BeamCount()) * SampleSize; n > MaxPayloadLen {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedHeader, n, MaxPayloadLen)
	}
	return nil
}

// BeamCount is the number of transmit beams carried in the payload.
func (h Header) BeamCount() int {
	return bits.OnesCount64(h.BeamMask)
}

// Beams returns the beam ids present in the payload, ascending.
func (h Header) Beams() []int {
	return MaskToBeams(h.BeamMask)
}

// PayloadLen is the payload size in bytes that follows the header.
func (h Header) PayloadLen() int {
	return int(h.Samples) * int(h.Antennas) * h.BeamCount() * SampleSize
}

// End is the timestamp one past the last sample in the block.
func (h Header) End() uint64 {
	return h.Timestamp + uint64(h.Samples)
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	var hdr [HeaderLen]byte
	putHeader(hdr[:], h)
	return append(dst, hdr[:]...)
}

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.Samples)
	binary.LittleEndian.PutUint32(b[4:8], h.Antennas)
	binary.LittleEndian.PutUint64(b[8:16], h.Timestamp)
	binary.LittleEndian.PutUint32(b[16:20], h.Reserved0)
	binary.LittleEndian.PutUint32(b[20:24], h.Reserved1)
	binary.LittleEndian.PutUint64(b[24:32], h.BeamMask)
}

// DecodeHeader parses the first HeaderLen bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("decode header: %w: %d bytes", ErrShortBuffer, len(b))
	}
	h := Header{
		Samples:   binary.LittleEndian.Uint32(b[0:4]),
		Antennas:  binary.LittleEndian.Uint32(b[4:8]),
		Timestamp: binary.LittleEndian.Uint64(b[8:16]),
		Reserved0: binary.LittleEndian.Uint32(b[16:20]),
		Reserved1: binary.LittleEndian.Uint32(b[20:24]),
		BeamMask:  binary.LittleEndian.Uint64(b[24:32]),
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// MaskToBeams expands a beam mask into ascending beam ids.
func MaskToBeams(mask uint64) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		out = append(out, i)
		mask &^= 1 << uint(i)
	}
	return out
}

// BeamsToMask folds beam ids into a mask. Ids outside [0, MaxBeams) and
// repeated ids are rejected.
func BeamsToMask(ids []int) (uint64, error) {
	var mask uint64
	for _, id := range ids {
		if id < 0 || id >= MaxBeams {
			return 0, fmt.Errorf("beam id %d outside [0,%d)", id, MaxBeams)
		}
		mask |= 1 << uint(id)
	}
	if bits.OnesCount64(mask) != len(ids) {
		return 0, fmt.Errorf("duplicate beam id in %v", ids)
	}
	return mask, nil
}
