package iqrecord

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/rjboer/rfsim/internal/wire"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Replayer yields the blocks of a recording in the order they were sent.
type Replayer struct {
	src  io.Reader
	zr   *zstd.Decoder
	file *os.File
}

// Open opens a recording, compressed or not.
func Open(path string) (*Replayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("iqrecord: %w", err)
	}
	rp, err := NewReplayer(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	rp.file = f
	return rp, nil
}

// NewReplayer reads a recording from r. Compression is detected from the
// zstd frame magic.
func NewReplayer(r io.Reader) (*Replayer, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iqrecord: %w", err)
	}
	rp := &Replayer{src: br}
	if bytes.Equal(magic, zstdMagic) {
		rp.zr, err = zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("iqrecord: zstd: %w", err)
		}
		rp.src = rp.zr
	}
	return rp, nil
}

// Next returns the next block, or io.EOF at a clean end of recording.
func (rp *Replayer) Next() (*wire.Block, error) {
	return wire.ReadBlock(rp.src)
}

// All reads every remaining block.
func (rp *Replayer) All() ([]*wire.Block, error) {
	var out []*wire.Block
	for {
		blk, err := rp.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, blk)
	}
}

func (rp *Replayer) Close() error {
	if rp.zr != nil {
		rp.zr.Close()
	}
	if rp.file != nil {
		return rp.file.Close()
	}
	return nil
}
