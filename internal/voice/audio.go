package voice

import (
	"bytes"
	"encoding/binary"
	"math"
)

// CaptureSampleRate is the sample rate of decoded per-speaker audio arriving
// from the transport: 48kHz, 16-bit, mono.
const CaptureSampleRate = 48000

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM.
// Used as a loudness proxy to filter keystrokes and background noise.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(samples))
}

// DurationMs returns the play time of a 16-bit mono PCM buffer.
func DurationMs(byteLen, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return samples * 1000 / sampleRate
}

// BuildWAV wraps raw 16-bit PCM in a RIFF/WAVE header.
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// UpsampleDouble doubles the sample rate of 16-bit mono PCM by duplicating
// each sample. Good enough for voice playback of 24kHz provider output on a
// 48kHz channel.
func UpsampleDouble(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)*2)
	for i := 0; i+1 < len(pcm); i += 2 {
		out = append(out, pcm[i], pcm[i+1], pcm[i], pcm[i+1])
	}
	return out
}
