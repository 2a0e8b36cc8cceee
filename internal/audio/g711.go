// Package audio handles call media: G.711 µ-law transcoding, stereo WAV
// assembly, per-leg capture storage, and archival of finished recordings.
package audio

// G.711 µ-law (PCMU) decoding table: maps each µ-law byte to a 16-bit
// linear PCM sample.
var ulawToLinear [256]int16

// G.711 µ-law encoding table: maps each 16-bit signed sample to a µ-law byte.
var linearToUlaw [65536]uint8

// ULawSilence is the µ-law encoding of a zero sample, used to pad the
// shorter channel when two legs are interleaved.
const ULawSilence = 0xFF

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeULaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeULaw(int16(i))
	}
}

// decodeULaw converts a µ-law byte to a 16-bit linear PCM sample. The
// reconstruction stays in the same 16-bit domain encodeULaw consumes, so
// re-encoding a decoded byte yields the byte back.
func decodeULaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	negative := u&0x80 != 0
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((mantissa<<3 | 0x84) << uint(exponent)) - 0x84)
	if negative {
		return -sample
	}
	return sample
}

// encodeULaw converts a 16-bit linear PCM sample to a µ-law byte. The
// magnitude math runs in int32 so negating math.MinInt16 cannot overflow.
func encodeULaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := uint8(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 {
		if s&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (s >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// DecodeULaw converts one µ-law byte to a linear PCM sample.
func DecodeULaw(u byte) int16 {
	return ulawToLinear[u]
}

// EncodeULaw converts one linear PCM sample to a µ-law byte.
func EncodeULaw(sample int16) byte {
	return linearToUlaw[uint16(sample)]
}

// EncodeULawPCM16LE transcodes 16-bit little-endian signed PCM (the format
// speech synthesis produces) to µ-law. A trailing odd byte is dropped.
func EncodeULawPCM16LE(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = linearToUlaw[uint16(sample)]
	}
	return out
}
