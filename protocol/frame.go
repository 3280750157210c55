package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame header: a big-endian uint32 holding
// the payload length.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload of a single frame.
const DefaultMaxFrameSize = 64 << 10

// WriteFrame writes body to w as a single frame using one Write call.
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r and returns its payload. A frame whose
// declared length exceeds max reports ErrFrameTooLarge; the stream cannot be
// resynchronized after that.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("short frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && uint64(size) > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, max)
	}
	body := make([]byte, int(size))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return body, nil
}

// WriteMessage encodes m and writes it to w as one frame.
func WriteMessage(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage reads one frame from r and decodes it. Only framing and
// transport failures are reported as errors.
func ReadMessage(r io.Reader, max int) (Message, error) {
	body, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return Decode(body), nil
}
