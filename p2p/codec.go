package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Frame layout: a 4-byte big-endian payload length, then the payload. The
// payload is the message kind byte followed by the RLP body, so a valid
// frame is never empty.
const (
	// MaxFramePayload bounds a single frame's payload. Oversized frames are
	// rejected before their payload is read.
	MaxFramePayload = 10 * 1024 * 1024

	frameHeaderSize   = 4
	frameReadTimeout  = 30 * time.Second
	frameWriteTimeout = 30 * time.Second
)

var (
	// ErrFrameTooLarge is returned for frames whose declared payload exceeds MaxFramePayload.
	ErrFrameTooLarge = errors.New("p2p: frame exceeds size limit")
	// ErrEmptyFrame is returned for frames declaring a zero-length payload.
	ErrEmptyFrame = errors.New("p2p: zero-length frame")
)

// encodeFrame serialises msg into its on-wire form.
func encodeFrame(msg *Message) ([]byte, error) {
	size := 1 + len(msg.Payload)
	if size > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	frame := make([]byte, frameHeaderSize+size)
	binary.BigEndian.PutUint32(frame, uint32(size))
	frame[frameHeaderSize] = msg.Kind
	copy(frame[frameHeaderSize+1:], msg.Payload)
	return frame, nil
}

// decodeFrame reads one frame from r, enforcing the payload bounds before
// the payload itself is consumed.
func decodeFrame(r io.Reader) (*Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Message{Kind: payload[0], Payload: payload[1:]}, nil
}

// writeFrame sends msg on conn under the context deadline, falling back to
// the default frame write timeout when the context carries none.
func writeFrame(ctx context.Context, conn net.Conn, msg *Message) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(frameWriteTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	_, err = conn.Write(frame)
	return err
}

// readFrame reads one frame from conn under the context deadline, falling
// back to the default frame read timeout when the context carries none.
func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(frameReadTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})
	msg, err := decodeFrame(reader)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return msg, nil
}
