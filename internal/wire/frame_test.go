package wire

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) SharedKey {
	t.Helper()
	a, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	b, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return Shared(a, b.PubKey())
}

func testFramePair(t *testing.T) (*FrameWriter, *FrameReader) {
	t.Helper()
	key := testKey(t)
	fw, err := NewFrameWriter(&key)
	if err != nil {
		t.Fatalf("frame writer: %v", err)
	}
	fr, err := NewFrameReader(&key)
	if err != nil {
		t.Fatalf("frame reader: %v", err)
	}
	return fw, fr
}

func TestFrameHeaderSize(t *testing.T) {
	fw, _ := testFramePair(t)

	var buf bytes.Buffer
	if err := fw.Write(&buf, KindOk, 0, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("payloadless frame is %d bytes, expected %d", buf.Len(), HeaderSize)
	}
}

// Every kind and a spread of payload lengths must survive the codec, and
// the cipher states on both ends must stay aligned across many frames.
func TestFrameRoundTrip(t *testing.T) {
	fw, fr := testFramePair(t)
	var buf bytes.Buffer

	kinds := []Kind{KindOk, KindError, KindRegister, KindFinishRegister, KindPayload, KindClose, KindTerminate, KindLogin}
	sizes := []int{0, 1, 7, 256, 65535}

	for _, kind := range kinds {
		for _, size := range sizes {
			payload := make([]byte, size)
			if _, err := rand.Read(payload); err != nil {
				t.Fatalf("rand: %v", err)
			}
			original := append([]byte(nil), payload...)
			id := uint32(size) ^ uint32(kind)<<24

			if err := fw.Write(&buf, kind, id, payload); err != nil {
				t.Fatalf("write %s/%d: %v", kind, size, err)
			}

			gotKind, gotID, gotPayload, err := fr.Read(&buf)
			if err != nil {
				t.Fatalf("read %s/%d: %v", kind, size, err)
			}
			if gotKind != kind {
				t.Fatalf("kind mismatch: wrote %s, read %s", kind, gotKind)
			}
			if gotID != id {
				t.Fatalf("id mismatch: wrote %d, read %d", id, gotID)
			}
			if size == 0 {
				if gotPayload != nil {
					t.Fatalf("expected no payload, got %d bytes", len(gotPayload))
				}
			} else if !bytes.Equal(gotPayload, original) {
				t.Fatalf("payload mismatch for %s/%d", kind, size)
			}
		}
	}
}

func TestFrameInvalidKind(t *testing.T) {
	key := testKey(t)
	fw, err := NewFrameWriter(&key)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := NewFrameReader(&key)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := fw.Write(&buf, Kind(9), 0, nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, _, err := fr.Read(&buf); err != ErrInvalidHeader {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	fw, _ := testFramePair(t)

	var buf bytes.Buffer
	payload := make([]byte, MaxPayloadSize+1)
	if err := fw.Write(&buf, KindPayload, 0, payload); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestKindNames(t *testing.T) {
	if KindPayload.String() != "PAYLOAD" {
		t.Errorf("unexpected name: %s", KindPayload)
	}
	if Kind(42).String() != "UNKNOWN" {
		t.Errorf("unexpected name for invalid kind: %s", Kind(42))
	}
}
