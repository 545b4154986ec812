// Package wire implements the length-prefixed framing protocol spoken over
// the anonymous duplex pipe between a supervisor and a worker child process.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot make
// the codec allocate unbounded memory.
const MaxFrameSize = 64 << 20

// Codec reads and writes length-prefixed frames over a duplex pipe.
// It is not safe for concurrent use by multiple goroutines on the same
// direction (reads must be serialized; writes must be serialized), but
// concurrent reads and writes from different goroutines are fine since
// they touch independent halves of the pipe.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps a reader and a writer — typically the two halves of an
// os.Pipe — into a framed codec.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: bufio.NewReader(r), w: w}
}

// RecvFrame reads one `[u32 big-endian length][payload]` frame. An EOF while
// reading the length prefix is reported as io.EOF (the peer has exited
// cleanly from the codec's point of view); any other short read is fatal and
// wrapped with context.
func (c *Codec) RecvFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("wire: peer closed mid-frame: %w", io.EOF)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d exceeds max %d", size, MaxFrameSize)
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("wire: short frame read: %w", err)
	}
	return buf, nil
}

// SendFrame writes one length-prefixed frame. Writes loop until every byte
// is accepted by the underlying writer, so a short write on the OS pipe
// buffer never truncates a frame.
func (c *Codec) SendFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	return c.writeAll(payload)
}

// SendChunk writes one body chunk of a bytes-stream reply. A chunk is just
// a frame; the stream is terminated by a zero-length frame (see SendEndOfStream).
func (c *Codec) SendChunk(chunk []byte) error {
	return c.SendFrame(chunk)
}

// SendEndOfStream writes the zero-length sentinel frame that terminates a
// bytes-chunk stream.
func (c *Codec) SendEndOfStream() error {
	return c.SendFrame(nil)
}

// ReadChunk reads one chunk of a bytes-stream reply. A zero-length payload
// signals the end of the stream (ok=false).
func (c *Codec) ReadChunk() (chunk []byte, ok bool, err error) {
	chunk, err = c.RecvFrame()
	if err != nil {
		return nil, false, err
	}
	return chunk, len(chunk) > 0, nil
}

func (c *Codec) writeAll(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	written := 0
	for written < len(buf) {
		n, err := c.w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("wire: short write: %w", err)
		}
		written += n
	}
	return nil
}
