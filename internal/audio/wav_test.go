package audio

import (
	"encoding/binary"
	"testing"
)

func TestEncodeStereoWAVHeader(t *testing.T) {
	inbound := []byte{0x11, 0x22, 0x33}
	outbound := []byte{0xAA}
	wav := EncodeStereoWAV(inbound, outbound)

	if len(wav) != stereoWAVHeaderSize+6 {
		t.Fatalf("len = %d, want %d", len(wav), stereoWAVHeaderSize+6)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF preamble: %q %q", wav[0:4], wav[8:12])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(len(wav)-8) {
		t.Errorf("riff size = %d, want %d", got, len(wav)-8)
	}

	if string(wav[12:16]) != "fmt " {
		t.Fatalf("missing fmt chunk: %q", wav[12:16])
	}
	if got := binary.LittleEndian.Uint32(wav[16:20]); got != 18 {
		t.Errorf("fmt size = %d, want 18", got)
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 7 {
		t.Errorf("format tag = %d, want 7 (µ-law)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 2 {
		t.Errorf("channels = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 8000 {
		t.Errorf("sample rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 16000 {
		t.Errorf("byte rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[32:34]); got != 2 {
		t.Errorf("block align = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 8 {
		t.Errorf("bits per sample = %d, want 8", got)
	}

	if string(wav[38:42]) != "fact" {
		t.Fatalf("missing fact chunk: %q", wav[38:42])
	}
	if got := binary.LittleEndian.Uint32(wav[46:50]); got != 3 {
		t.Errorf("fact frames = %d, want 3", got)
	}

	if string(wav[50:54]) != "data" {
		t.Fatalf("missing data chunk: %q", wav[50:54])
	}
	if got := binary.LittleEndian.Uint32(wav[54:58]); got != 6 {
		t.Errorf("data size = %d, want 6", got)
	}
}

func TestEncodeStereoWAVInterleavesAndPads(t *testing.T) {
	inbound := []byte{0x11, 0x22, 0x33}
	outbound := []byte{0xAA}
	wav := EncodeStereoWAV(inbound, outbound)

	data := wav[stereoWAVHeaderSize:]
	want := []byte{
		0x11, 0xAA,
		0x22, ULawSilence,
		0x33, ULawSilence,
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("data[%d] = %#x, want %#x", i, data[i], want[i])
		}
	}
}

func TestEncodeStereoWAVOneSidedCall(t *testing.T) {
	// Only the engine spoke; the left channel should be pure silence.
	wav := EncodeStereoWAV(nil, []byte{0x01, 0x02})
	data := wav[stereoWAVHeaderSize:]
	if data[0] != ULawSilence || data[2] != ULawSilence {
		t.Errorf("left channel not silent: %#x %#x", data[0], data[2])
	}
	if data[1] != 0x01 || data[3] != 0x02 {
		t.Errorf("right channel = %#x %#x", data[1], data[3])
	}
}

func TestWAVDurationSeconds(t *testing.T) {
	wav := EncodeStereoWAV(make([]byte, 8000), nil)
	if got := WAVDurationSeconds(wav); got != 1 {
		t.Errorf("duration = %d, want 1", got)
	}
	if got := WAVDurationSeconds(nil); got != 0 {
		t.Errorf("duration of empty = %d, want 0", got)
	}
}
