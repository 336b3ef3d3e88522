package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAV describes decoded PCM audio.
type WAV struct {
	SampleRate int
	Channels   int
	// PCM is interleaved 16-bit signed little-endian sample data.
	PCM []byte
}

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a 16-bit PCM
// RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid WAV")

// DecodeWAV parses a RIFF/WAVE file holding 16-bit PCM. It walks the RIFF
// chunk list so files with LIST or other extra chunks are accepted.
func DecodeWAV(data []byte) (WAV, error) {
	if len(data) < 12 {
		return WAV{}, fmt.Errorf("%w: too short", ErrInvalidWAV)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var out WAV
	foundFmt := false
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAV{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			out.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, used by some encoders for plain PCM.
			if (format != 1 && format != 0xFFFE) || bits != 16 {
				return WAV{}, fmt.Errorf("%w: unsupported format %d with %d bits", ErrInvalidWAV, format, bits)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAV{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			if size == 0 || end > len(data) || end < body {
				end = len(data)
			}
			out.PCM = data[body:end]
			if out.Channels <= 0 || out.SampleRate <= 0 {
				return WAV{}, fmt.Errorf("%w: bad channel count or sample rate", ErrInvalidWAV)
			}
			return out, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return WAV{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// MonoSamples returns w down-mixed to mono and resampled to sampleRate as
// float32 samples.
func (w WAV) MonoSamples(sampleRate int) []float32 {
	pcm := DownmixPCM16(w.PCM, w.Channels)
	pcm = ResampleMono16(pcm, w.SampleRate, sampleRate)
	return PCM16ToFloat32(pcm)
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}
