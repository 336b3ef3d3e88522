package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float32 samples to 16-bit signed little-endian PCM,
// clamping to the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// Float32ToInt16 converts float32 samples to int16 samples, clamping.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32767.0
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(math.Round(v))
}

// DownmixPCM16 averages interleaved multi-channel 16-bit PCM down to mono.
// For channels <= 1 the input is returned unchanged.
func DownmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		avg := sum / int32(channels)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// RMS returns the root-mean-square energy of samples. Empty input returns 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Concat joins the samples of chunks into one slice.
func Concat(chunks []Chunk) []float32 {
	n := 0
	for _, c := range chunks {
		n += len(c.Samples)
	}
	out := make([]float32, 0, n)
	for _, c := range chunks {
		out = append(out, c.Samples...)
	}
	return out
}
