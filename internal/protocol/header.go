package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeHeader encodes a Header to its fixed 8-byte binary form.
// Format: [Version:1][Type:1][Flags:2][Length:4], big-endian.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.Flags)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeHeader decodes a Header from its binary form.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("insufficient data for header: got %d bytes, need %d", len(data), HeaderSize)
	}

	h := Header{
		Version: data[0],
		Type:    MsgType(data[1]),
		Flags:   binary.BigEndian.Uint16(data[2:4]),
		Length:  binary.BigEndian.Uint32(data[4:8]),
	}

	if h.Version != WireVersion {
		return h, fmt.Errorf("unsupported wire version: got 0x%02x, expected 0x%02x", h.Version, WireVersion)
	}
	if !validMsgType(h.Type) {
		return h, fmt.Errorf("%w: %d", ErrUnknownMsgType, h.Type)
	}
	if h.Length > MaxMessageSize {
		return h, fmt.Errorf("message too large: %d bytes (max %d)", h.Length, MaxMessageSize)
	}

	return h, nil
}

// ReadHeader reads and decodes a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return DecodeHeader(buf)
}

// WriteHeader encodes and writes a Header to w.
func WriteHeader(w io.Writer, h Header) error {
	_, err := w.Write(EncodeHeader(h))
	return err
}

// NewHeader builds a Header with the wire version already set.
func NewHeader(t MsgType, payloadLen uint32) Header {
	return Header{Version: WireVersion, Type: t, Length: payloadLen}
}
