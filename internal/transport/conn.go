package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// maxFrameBytes bounds a single JSON frame read from the wire.
const maxFrameBytes = 1 << 20

// Conn wraps one accepted libp2p stream as a newline-delimited JSON frame
// channel. Each connection is handled by exactly one dispatcher session,
// so Read is not meant to be called concurrently with itself — but Send
// may be called from the session's main loop and from the HTTP chat
// handler while Read runs on the session's read goroutine, hence the
// write mutex.
type Conn struct {
	stream network.Stream
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an accepted stream.
func NewConn(stream network.Stream) *Conn {
	return &Conn{
		stream: stream,
		reader: bufio.NewReaderSize(stream, 64*1024),
	}
}

// RemotePeerID returns the libp2p peer ID of the remote end.
func (c *Conn) RemotePeerID() peer.ID {
	return c.stream.Conn().RemotePeer()
}

// RemoteKeyHex returns the hex-encoded raw public key of the remote peer —
// the `key` identity field in the data model (spec §3), 64 hex chars for
// a 32-byte Ed25519 key.
func (c *Conn) RemoteKeyHex() (string, error) {
	pub := c.stream.Conn().RemotePublicKey()
	if pub == nil {
		return "", fmt.Errorf("remote connection has no public key")
	}
	raw, err := pub.Raw()
	if err != nil {
		return "", fmt.Errorf("extract remote public key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Read blocks for the next newline-delimited frame. It returns io.EOF when
// the remote closed the stream cleanly.
func (c *Conn) Read() ([]byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if len(line) > 0 {
		line = trimNewline(line)
	}
	if len(line) > maxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

// Send writes one frame, newline-terminated. Writes apply backpressure:
// the call blocks until the underlying stream accepts the bytes, per spec
// §5 ("if the peer's write buffer is full, the caller must wait for drain
// before writing more").
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := c.stream.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write frame terminator: %w", err)
	}
	return nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.stream.Close()
}

func trimNewline(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}
