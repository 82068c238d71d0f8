// Package audio implements the narrowband telephony codec and sample-rate
// conversion used by the bridge. The wire side is G.711 mu-law at 8 kHz; the
// backend side is 16-bit little-endian linear PCM at 24 kHz.
package audio

const (
	// TelephonyRate is the telephony wire sample rate.
	TelephonyRate = 8000
	// BackendRate is the backend channel sample rate.
	BackendRate = 24000

	muLawBias = 0x84
	muLawClip = 32635
)

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := int16((int32(mantissa)<<3 + muLawBias) << exponent)
		sample -= muLawBias
		if u&0x80 != 0 {
			sample = -sample
		}
		muLawDecodeTable[i] = sample
	}
}

// EncodeMuLaw compresses one linear PCM sample to a mu-law byte.
func EncodeMuLaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw expands one mu-law byte to a linear PCM sample.
func DecodeMuLaw(b byte) int16 {
	return muLawDecodeTable[b]
}

// DecodeMuLawFrame expands a mu-law frame into 16-bit little-endian PCM.
func DecodeMuLawFrame(frame []byte) []byte {
	out := make([]byte, len(frame)*2)
	for i, b := range frame {
		s := muLawDecodeTable[b]
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLawFrame compresses 16-bit little-endian PCM into a mu-law frame.
// Odd trailing bytes are ignored.
func EncodeMuLawFrame(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = EncodeMuLaw(s)
	}
	return out
}
