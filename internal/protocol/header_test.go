package protocol

import "testing"

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		wantErr bool
	}{
		{
			name:   "valid request header",
			header: Header{Version: WireVersion, Type: MsgRequest, Flags: 0, Length: 1234},
		},
		{
			name:   "valid telemetry header with flags",
			header: Header{Version: WireVersion, Type: MsgTelemetry, Flags: 7, Length: 99},
		},
		{
			name:    "unknown message type",
			header:  Header{Version: WireVersion, Type: MsgType(200), Length: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeHeader(tt.header)
			if len(encoded) != HeaderSize {
				t.Fatalf("encoded header size = %d, want %d", len(encoded), HeaderSize)
			}

			decoded, err := DecodeHeader(encoded)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if decoded != tt.header {
				t.Errorf("decoded header = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestDecodeHeaderRejectsWrongVersion(t *testing.T) {
	buf := EncodeHeader(Header{Version: WireVersion, Type: MsgRequest})
	buf[0] = 0x09
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected error for mismatched wire version")
	}
}

func TestDecodeHeaderRejectsOversizedLength(t *testing.T) {
	buf := EncodeHeader(Header{Version: WireVersion, Type: MsgRequest, Length: MaxMessageSize + 1})
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected error for oversized message length")
	}
}
