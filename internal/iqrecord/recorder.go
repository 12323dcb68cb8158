// Package iqrecord saves every block a device transmits to a file and
// reads such files back.
package iqrecord

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/smallnest/ringbuffer"

	"github.com/rjboer/rfsim/internal/logging"
)

const (
	DefaultPath   = "/tmp/rfsimulator.iqs"
	DefaultBuffer = 8 << 20
	drainChunk    = 256 << 10
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("iqrecord: recorder closed")

// Options configures a Recorder.
type Options struct {
	Path     string
	Compress bool
	// BufferBytes sizes the staging ring. Blocks that do not fit are
	// dropped rather than stalling the caller.
	BufferBytes int
	Logger      logging.Logger
}

// Recorder is an io.Writer that stages whole blocks in a ring buffer and
// drains them to disk on its own goroutine. Write never blocks on the disk.
type Recorder struct {
	log  logging.Logger
	ring *ringbuffer.RingBuffer

	mu     sync.Mutex
	closed bool

	file  *os.File
	bw    *bufio.Writer
	zw    *zstd.Encoder
	sink  io.Writer
	kick  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	werr  atomic.Pointer[error]
	bytes atomic.Uint64
	drops atomic.Uint64
}

// Create opens opts.Path for writing, truncating it, and starts draining.
func Create(opts Options) (*Recorder, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = DefaultBuffer
	}
	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("iqrecord: %w", err)
	}
	r := newRecorder(f, opts)
	r.file = f
	return r, nil
}

// NewWriter records into w instead of a file. Closing the recorder does
// not close w.
func NewWriter(w io.Writer, opts Options) *Recorder {
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = DefaultBuffer
	}
	return newRecorder(w, opts)
}

func newRecorder(w io.Writer, opts Options) *Recorder {
	r := &Recorder{
		log:  logging.OrDefault(opts.Logger).With(logging.F("subsystem", "iqrecord")),
		ring: ringbuffer.New(opts.BufferBytes),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	r.bw = bufio.NewWriterSize(w, drainChunk)
	r.sink = r.bw
	if opts.Compress {
		// NewWriter only fails on bad options
		r.zw, _ = zstd.NewWriter(r.bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		r.sink = r.zw
	}
	r.wg.Add(1)
	go r.drain()
	r.log.Info("recording transmitted blocks",
		logging.F("path", opts.Path),
		logging.F("compress", opts.Compress),
		logging.F("buffer", opts.BufferBytes))
	return r
}

// Write stages p as one unit. When the ring cannot hold all of p the block
// is dropped and counted; the returned count is still len(p).
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if errp := r.werr.Load(); errp != nil {
		return 0, *errp
	}
	if r.ring.Free() < len(p) {
		if r.drops.Add(1) == 1 {
			r.log.Warn("recorder buffer full, dropping blocks", logging.F("block", len(p)))
		}
		return len(p), nil
	}
	if _, err := r.ring.Write(p); err != nil {
		return 0, fmt.Errorf("iqrecord: stage: %w", err)
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Dropped counts blocks lost to a full ring.
func (r *Recorder) Dropped() uint64 { return r.drops.Load() }

// Written counts bytes handed to the file, before compression.
func (r *Recorder) Written() uint64 { return r.bytes.Load() }

// Close drains what is staged, flushes the compressor and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	var errs []error
	if errp := r.werr.Load(); errp != nil {
		errs = append(errs, *errp)
	}
	if r.zw != nil {
		errs = append(errs, r.zw.Close())
	}
	errs = append(errs, r.bw.Flush())
	if r.file != nil {
		errs = append(errs, r.file.Close())
	}
	r.log.Info("recording closed",
		logging.F("bytes", r.bytes.Load()),
		logging.F("dropped", r.drops.Load()))
	return errors.Join(errs...)
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	buf := make([]byte, drainChunk)
	for {
		select {
		case <-r.kick:
			r.flushRing(buf)
		case <-r.done:
			r.flushRing(buf)
			return
		}
	}
}

func (r *Recorder) flushRing(buf []byte) {
	for {
		n, err := r.ring.Read(buf)
		if n > 0 && r.werr.Load() == nil {
			if _, werr := r.sink.Write(buf[:n]); werr != nil {
				werr = fmt.Errorf("iqrecord: write: %w", werr)
				r.werr.Store(&werr)
				r.log.Error("recording failed", logging.F("err", werr))
			} else {
				r.bytes.Add(uint64(n))
			}
		}
		if err != nil || n == 0 {
			return
		}
	}
}
