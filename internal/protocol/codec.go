package protocol

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
)

// maxFrameSize bounds a single message frame. Terminal replay events are the
// largest payloads and stay well under this.
const maxFrameSize = 16 * 1024 * 1024

// Transport is a duplex message channel to one child process. Implementations
// must allow concurrent Send calls; Recv is called from a single goroutine.
type Transport interface {
	Send(msg Message) error
	Recv() (Message, error)
	Close() error
}

// Codec frames messages as newline-delimited JSON over a byte stream.
type Codec struct {
	scanner *bufio.Scanner

	writeMu sync.Mutex
	w       io.Writer
}

// NewCodec creates a codec reading from r and writing to w.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Codec{scanner: scanner, w: w}
}

// Encode marshals msg and writes one frame.
func (c *Codec) Encode(msg Message) error {
	data, err := sonic.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decode reads one frame and validates the envelope. io.EOF is returned
// unwrapped when the stream ends.
func (c *Codec) Decode() (Message, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Message{}, fmt.Errorf("read frame: %w", err)
		}
		return Message{}, io.EOF
	}

	var msg Message
	if err := sonic.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// StreamTransport adapts a read/write stream pair into a Transport.
type StreamTransport struct {
	codec  *Codec
	closer io.Closer
}

// NewStreamTransport creates a transport over the given streams. closer may
// be nil when the caller owns stream lifetime.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	return &StreamTransport{codec: NewCodec(r, w), closer: closer}
}

// Send implements Transport.
func (t *StreamTransport) Send(msg Message) error {
	return t.codec.Encode(msg)
}

// Recv implements Transport.
func (t *StreamTransport) Recv() (Message, error) {
	return t.codec.Decode()
}

// Close implements Transport.
func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
