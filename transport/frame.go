// Package transport implements the client/server streaming substrate of
// spec.md §4.8: a length-framed TCP protocol with broadcast, select-any, and
// tag-filtered client enumeration, grounded on the teacher's
// coordinator/internal/registry named-peer pattern and on modules/pdump's
// raw framed-buffer reader for the wire format itself.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/c2h5oh/datasize"

	"github.com/ipcmesh/ipcmesh/codec"
	"github.com/ipcmesh/ipcmesh/ring"
)

// SendRecvSize bounds an inline framed payload, per spec.md §4.8; larger
// tensor payloads bypass framing and go through the fastpath numeric codec.
const SendRecvSize = datasize.ByteSize(16 * 1024)

// closeSentinel is the length value that means "peer is closing".
const closeSentinel = ^uint64(0)

// ErrPeerClosing is returned by recvFrame on the close sentinel.
var ErrPeerClosing = errors.New("transport: peer is closing")

// ErrFrameTooLarge is returned when an inline payload exceeds SendRecvSize.
var ErrFrameTooLarge = errors.New("transport: frame exceeds inline payload limit")

func sendFrame(conn net.Conn, payload []byte) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	if _, err := conn.Write(header[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("transport: writing frame payload: %w", err)
	}
	return nil
}

func sendCloseSentinel(conn net.Conn) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], closeSentinel)
	_, err := conn.Write(header[:])
	return err
}

func recvFrame(conn net.Conn) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}
	length := binary.LittleEndian.Uint64(header[:])
	if length == closeSentinel {
		return nil, ErrPeerClosing
	}
	if datasize.ByteSize(length) > SendRecvSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("transport: reading frame payload: %w", err)
	}
	return payload, nil
}

// sendValue encodes v through an out-of-process codec pass (Userdata handles
// are refused across a TCP boundary) and frames the result.
func sendValue(conn net.Conn, v codec.Value) error {
	rb := ring.New(SendRecvSize)
	enc := codec.NewEncoder(rb, codec.ModeOutOfProcess, nil)
	if err := enc.Encode(v); err != nil {
		if errors.Is(err, codec.ErrOutOfBuffer) {
			return ErrFrameTooLarge
		}
		return fmt.Errorf("transport: encoding value: %w", err)
	}

	buf := make([]byte, rb.Readable())
	rb.Read(buf)
	if datasize.ByteSize(len(buf)) > SendRecvSize {
		return ErrFrameTooLarge
	}
	return sendFrame(conn, buf)
}

func recvValue(conn net.Conn) (codec.Value, error) {
	payload, err := recvFrame(conn)
	if err != nil {
		return nil, err
	}

	rb := ring.New(datasize.ByteSize(len(payload)) + 1)
	rb.Write(payload)
	dec := codec.NewDecoder(rb, codec.ModeOutOfProcess, nil, nil)
	return dec.Decode()
}
