package audio

// Resample converts 16-bit little-endian mono PCM between sample rates using
// linear interpolation. Telephony audio is narrowband speech; linear
// interpolation is adequate and allocation-cheap for the per-frame sizes the
// bridge moves.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || len(pcm) < 2 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	in := len(pcm) / 2
	samples := make([]int16, in)
	for i := 0; i < in; i++ {
		samples[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}

	outLen := in * toRate / fromRate
	if outLen == 0 {
		return nil
	}

	out := make([]byte, outLen*2)
	step := float64(fromRate) / float64(toRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		var s int16
		if j+1 < in {
			a := float64(samples[j])
			b := float64(samples[j+1])
			s = int16(a + (b-a)*frac)
		} else {
			s = samples[in-1]
		}
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// Downsample3x averages every three samples; the common 24 kHz to 8 kHz path
// in the outbound direction, where the cheap low-pass matters more than on
// the way up.
func Downsample3x(pcm []byte) []byte {
	in := len(pcm) / 2
	outLen := in / 3
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		var sum int32
		for k := 0; k < 3; k++ {
			idx := (i*3 + k) * 2
			sum += int32(int16(pcm[idx]) | int16(pcm[idx+1])<<8)
		}
		s := int16(sum / 3)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
