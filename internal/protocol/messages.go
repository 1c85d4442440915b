package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame is a decoded wire frame: its header plus raw JSON payload bytes.
// Channel.readLoop unmarshals Payload into the concrete type implied by
// Header.Type.
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeFrame marshals a typed payload to JSON and wraps it with a header.
func EncodeFrame(t MsgType, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	header := NewHeader(t, uint32(len(body)))
	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, EncodeHeader(header)...)
	buf = append(buf, body...)
	return buf, nil
}

// WriteFrame encodes and writes a typed payload as a single frame.
func WriteFrame(w io.Writer, t MsgType, payload interface{}) error {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one complete frame (header + payload) from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read %s payload: %w", header.Type, err)
		}
	}

	return Frame{Header: header, Payload: payload}, nil
}
