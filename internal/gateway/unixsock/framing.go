// Package unixsock serves the daemon protocol over a unix domain
// socket. Frames are a 4-byte big-endian length prefix followed by one
// JSON message document.
package unixsock

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	ws "github.com/tentickle/tentickle/pkg/websocket"
)

// MaxFrameSize bounds a single frame; sends with large attachments
// should chunk through the media store instead.
const MaxFrameSize = 8 * 1024 * 1024

// WriteFrame encodes msg and writes it with a length prefix.
func WriteFrame(w io.Writer, msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed message. io.EOF at a frame
// boundary means the peer closed cleanly.
func ReadFrame(r io.Reader) (*ws.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header")
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}
