package audio

import "encoding/binary"

const (
	wavSampleRate = 8000
	wavChannels   = 2
	wavFormatPCMU = 7

	// stereoWAVHeaderSize covers RIFF + an 18-byte fmt chunk + the fact
	// chunk that non-PCM formats carry + the data chunk header.
	stereoWAVHeaderSize = 58
)

// EncodeStereoWAV interleaves two µ-law legs into a stereo G.711 WAV file.
// The inbound leg (what the callee said) lands on the left channel and the
// outbound leg (what the engine played) on the right. The shorter leg is
// padded with silence so both channels cover the full call.
func EncodeStereoWAV(inbound, outbound []byte) []byte {
	frames := len(inbound)
	if len(outbound) > frames {
		frames = len(outbound)
	}
	dataSize := uint32(frames * wavChannels)

	out := make([]byte, stereoWAVHeaderSize+int(dataSize))
	writeStereoWAVHeader(out[:stereoWAVHeaderSize], dataSize, uint32(frames))

	data := out[stereoWAVHeaderSize:]
	for i := 0; i < frames; i++ {
		left := byte(ULawSilence)
		if i < len(inbound) {
			left = inbound[i]
		}
		right := byte(ULawSilence)
		if i < len(outbound) {
			right = outbound[i]
		}
		data[2*i] = left
		data[2*i+1] = right
	}
	return out
}

// WAVDurationSeconds reports the playback length of a stereo µ-law WAV
// produced by EncodeStereoWAV.
func WAVDurationSeconds(wav []byte) int {
	if len(wav) <= stereoWAVHeaderSize {
		return 0
	}
	frames := (len(wav) - stereoWAVHeaderSize) / wavChannels
	return frames / wavSampleRate
}

// writeStereoWAVHeader fills hdr with the RIFF/fmt/fact/data chunks for
// 2-channel µ-law at 8 kHz. Non-PCM WAV requires the 18-byte fmt variant
// and a fact chunk with the per-channel frame count.
func writeStereoWAVHeader(hdr []byte, dataSize, frames uint32) {
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], stereoWAVHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 18)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCMU)
	binary.LittleEndian.PutUint16(hdr[22:24], wavChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], wavSampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], wavSampleRate*wavChannels)
	binary.LittleEndian.PutUint16(hdr[32:34], wavChannels)
	binary.LittleEndian.PutUint16(hdr[34:36], 8)
	binary.LittleEndian.PutUint16(hdr[36:38], 0)

	copy(hdr[38:42], "fact")
	binary.LittleEndian.PutUint32(hdr[42:46], 4)
	binary.LittleEndian.PutUint32(hdr[46:50], frames)

	copy(hdr[50:54], "data")
	binary.LittleEndian.PutUint32(hdr[54:58], dataSize)
}
