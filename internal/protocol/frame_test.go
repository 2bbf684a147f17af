package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"heartbeat", &Frame{Type: TypeHeartbeat, SerialNumber: 42}},
		{"auth", &Frame{Type: TypeAuth, URI: "ZC-ABC123"}},
		{"connect", &Frame{Type: TypeConnect, URI: "u1:127.0.0.1:80"}},
		{"transfer", &Frame{Type: TypeTransfer, URI: "u1", Data: []byte("GET / HTTP/1.0\r\n\r\n")}},
		{"empty uri with data", &Frame{Type: TypeTransfer, Data: []byte{0x00, 0xFF}}},
		{"max serial", &Frame{Type: TypeHeartbeat, SerialNumber: ^uint64(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}

			got, n, err := Unmarshal(data, MaxControlFrameSize)
			if err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if n != len(data) {
				t.Errorf("consumed %d bytes, want %d", n, len(data))
			}
			if got.Type != tt.frame.Type {
				t.Errorf("Type = %#02x, want %#02x", got.Type, tt.frame.Type)
			}
			if got.SerialNumber != tt.frame.SerialNumber {
				t.Errorf("SerialNumber = %d, want %d", got.SerialNumber, tt.frame.SerialNumber)
			}
			if got.URI != tt.frame.URI {
				t.Errorf("URI = %q, want %q", got.URI, tt.frame.URI)
			}
			if !bytes.Equal(got.Data, tt.frame.Data) {
				t.Errorf("Data = %v, want %v", got.Data, tt.frame.Data)
			}
		})
	}
}

func TestUnmarshalConcatenatedFrames(t *testing.T) {
	frames := []*Frame{
		{Type: TypeAuth, URI: "ZC-ONE"},
		{Type: TypeTransfer, URI: "u1", Data: []byte("payload")},
		{Type: TypeHeartbeat, SerialNumber: 7},
	}

	var stream []byte
	for _, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		stream = append(stream, data...)
	}

	for i, want := range frames {
		got, n, err := Unmarshal(stream, MaxControlFrameSize)
		if err != nil {
			t.Fatalf("frame %d: Unmarshal failed: %v", i, err)
		}
		if got.Type != want.Type || got.URI != want.URI || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("frame %d mismatch: got %v, want %v", i, got, want)
		}
		stream = stream[n:]
	}
	if len(stream) != 0 {
		t.Errorf("%d bytes left over after decoding all frames", len(stream))
	}
}

func TestUnmarshalShortBuffer(t *testing.T) {
	f := &Frame{Type: TypeTransfer, URI: "u1", Data: []byte("hello")}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// Every truncation, including one byte short, must report "need more"
	// without consuming input.
	for cut := 0; cut < len(data); cut++ {
		_, n, err := Unmarshal(data[:cut], MaxControlFrameSize)
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("cut=%d: err = %v, want ErrInsufficientData", cut, err)
		}
		if n != 0 {
			t.Fatalf("cut=%d: consumed %d bytes on incomplete input", cut, n)
		}
	}
}

func TestMarshalURILimit(t *testing.T) {
	ok := &Frame{Type: TypeConnect, URI: strings.Repeat("d", MaxURILen)}
	data, err := ok.Marshal()
	if err != nil {
		t.Fatalf("Marshal of 255-byte uri failed: %v", err)
	}
	got, _, err := Unmarshal(data, MaxControlFrameSize)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.URI != ok.URI {
		t.Errorf("255-byte uri did not round-trip")
	}

	tooLong := &Frame{Type: TypeConnect, URI: strings.Repeat("d", MaxURILen+1)}
	if _, err := tooLong.Marshal(); !errors.Is(err, ErrURITooLong) {
		t.Errorf("Marshal of 256-byte uri: err = %v, want ErrURITooLong", err)
	}
}

func TestUnmarshalLongURILenNotSignExtended(t *testing.T) {
	// 200 > 127: a signed read of UriLen would go negative here.
	f := &Frame{Type: TypeConnect, URI: strings.Repeat("x", 200)}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, _, err := Unmarshal(data, MaxControlFrameSize)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(got.URI) != 200 {
		t.Errorf("URI length = %d, want 200", len(got.URI))
	}
}

func TestUnmarshalFrameSizeLimit(t *testing.T) {
	// A frame whose body is exactly the limit decodes; one byte more is fatal.
	atLimit := &Frame{Type: TypeTransfer, URI: "u1", Data: make([]byte, MaxDataFrameSize-FixedBodySize-2)}
	data, err := atLimit.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, _, err := Unmarshal(data, MaxDataFrameSize); err != nil {
		t.Fatalf("frame at size limit rejected: %v", err)
	}

	over := &Frame{Type: TypeTransfer, URI: "u1", Data: make([]byte, MaxDataFrameSize-FixedBodySize-1)}
	data, err = over.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, _, err := Unmarshal(data, MaxDataFrameSize); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestUnmarshalInvalidLength(t *testing.T) {
	// Declared body length smaller than the fixed header is fatal, not
	// "need more".
	data := []byte{0x00, 0x00, 0x00, 0x05, 0x07, 0, 0, 0, 0}
	if _, _, err := Unmarshal(data, MaxControlFrameSize); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("err = %v, want ErrInvalidLength", err)
	}
}

func TestUnmarshalURIOverrunsFrame(t *testing.T) {
	f := &Frame{Type: TypeAuth, URI: "ZC-KEY"}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	// Corrupt UriLen to claim more bytes than the frame holds.
	data[13] = 0xFF
	if _, _, err := Unmarshal(data, MaxControlFrameSize); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("err = %v, want ErrInvalidLength", err)
	}
}

func TestReadFrame(t *testing.T) {
	frames := []*Frame{
		{Type: TypeAuth, URI: "ZC-ABC"},
		{Type: TypeTransfer, URI: "u1", Data: []byte("data")},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		buf.Write(data)
	}

	for i, want := range frames {
		got, err := ReadFrame(&buf, MaxControlFrameSize)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame failed: %v", i, err)
		}
		if got.Type != want.Type || got.URI != want.URI || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("frame %d mismatch: got %v, want %v", i, got, want)
		}
	}

	if _, err := ReadFrame(&buf, MaxControlFrameSize); err != io.EOF {
		t.Errorf("ReadFrame on empty stream: err = %v, want io.EOF", err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	f := &Frame{Type: TypeTransfer, Data: make([]byte, 1024)}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(data), 512); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}
