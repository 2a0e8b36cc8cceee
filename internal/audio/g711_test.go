package audio

import "testing"

func TestULawSilence(t *testing.T) {
	if got := EncodeULaw(0); got != ULawSilence {
		t.Errorf("EncodeULaw(0) = %#x, want %#x", got, ULawSilence)
	}
	if got := DecodeULaw(ULawSilence); got != 0 {
		t.Errorf("DecodeULaw(0xFF) = %d, want 0", got)
	}
}

func TestULawBytesRoundTrip(t *testing.T) {
	// Every code except negative zero re-encodes to itself.
	for b := 0; b < 256; b++ {
		if b == 0x7F {
			continue
		}
		sample := DecodeULaw(byte(b))
		if got := EncodeULaw(sample); got != byte(b) {
			t.Errorf("EncodeULaw(DecodeULaw(%#x)) = %#x (sample %d)", b, got, sample)
		}
	}
	if got := DecodeULaw(0x7F); got != 0 {
		t.Errorf("DecodeULaw(0x7F) = %d, want 0", got)
	}
}

func TestULawQuantizationError(t *testing.T) {
	samples := []int16{1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	for _, s := range samples {
		decoded := int32(DecodeULaw(EncodeULaw(s)))
		diff := decoded - int32(s)
		if diff < 0 {
			diff = -diff
		}
		// Error grows with magnitude: one quantization step per segment.
		tol := int32(s) / 8
		if tol < 0 {
			tol = -tol
		}
		if tol < 64 {
			tol = 64
		}
		if diff > tol {
			t.Errorf("sample %d decoded to %d (error %d > %d)", s, decoded, diff, tol)
		}
	}
}

func TestEncodeULawPCM16LE(t *testing.T) {
	// Two samples (0 and 1000) in little-endian plus a trailing odd byte.
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0xFF}
	out := EncodeULawPCM16LE(pcm)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0] != ULawSilence {
		t.Errorf("out[0] = %#x, want silence", out[0])
	}
	if out[1] != EncodeULaw(1000) {
		t.Errorf("out[1] = %#x, want %#x", out[1], EncodeULaw(1000))
	}
}

func TestEncodeULawClips(t *testing.T) {
	if EncodeULaw(32767) != EncodeULaw(32635) {
		t.Error("expected samples above clip to share the loudest code")
	}
	if EncodeULaw(-32768) != EncodeULaw(-32635) {
		t.Error("expected negative samples below clip to share the loudest code")
	}
}
