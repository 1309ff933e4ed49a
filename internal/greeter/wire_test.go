package greeter

import (
	"bytes"
	"testing"
)

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "hunter2", "héllo wörld", "日本語", "plasma.desktop"}
	for _, s := range cases {
		var buf bytes.Buffer
		if err := WriteString(&buf, s); err != nil {
			t.Fatalf("WriteString(%q): %v", s, err)
		}

		got, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("ReadString after WriteString(%q): %v", s, err)
		}
		if got.String() != s {
			t.Fatalf("round trip mismatch: got %q, want %q", got.String(), s)
		}
		got.Release()
	}
}

func TestWriteStringEmptyUsesNullMarker(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, ""); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 4 {
		t.Fatalf("expected exactly 4 bytes for empty string frame, got %d", buf.Len())
	}
	n, err := readLength(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected length 0, got %d", n)
	}
}

func TestWriteStringLengthFrameIsFourBytesBelowBoundary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "short"); err != nil {
		t.Fatal(err)
	}
	// 4-byte length prefix + 10 bytes of UTF-16BE code units.
	if buf.Len() != 4+10 {
		t.Fatalf("unexpected frame size: %d", buf.Len())
	}
}

func TestReadStringOddLengthIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	// length = 3 (odd), plus 3 arbitrary bytes
	buf.Write([]byte{0, 0, 0, 3, 0, 0, 0})

	if _, err := ReadString(&buf); err == nil {
		t.Fatal("expected protocol error for odd byte length")
	}
}

func TestReadStringLoneSurrogateIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	// length = 2 bytes: one lone high surrogate, no low surrogate following.
	buf.Write([]byte{0, 0, 0, 2, 0xD8, 0x00})

	if _, err := ReadString(&buf); err == nil {
		t.Fatal("expected protocol error for lone surrogate")
	}
}

func TestCodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCode(&buf, MsgLoginSucceeded); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != MsgLoginSucceeded {
		t.Fatalf("got %d, want %d", got, MsgLoginSucceeded)
	}
}

func TestCapabilityBits(t *testing.T) {
	if CapPowerOff != 0b00001 || CapReboot != 0b00010 || CapSuspend != 0b00100 ||
		CapHibernate != 0b01000 || CapHybridSleep != 0b10000 {
		t.Fatal("capability bit assignment drifted from spec")
	}
}
