package speech

import (
	"bytes"
	"encoding/binary"
	"math"
	"mime"
	"strconv"
	"strings"
)

// DefaultSampleRate applies when a PCM mime type carries no rate parameter.
const DefaultSampleRate = 24000

// ParsePCM reports whether mimeType names raw 16-bit PCM and its sample rate.
func ParsePCM(mimeType string) (sampleRate int, ok bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	}
	if mediaType != "audio/l16" && mediaType != "audio/pcm" {
		return 0, false
	}

	sampleRate = DefaultSampleRate
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		sampleRate = rate
	}
	return sampleRate, true
}

// DecodePCM16 converts signed 16-bit little-endian samples to floats in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float32(v) / 32768
	}
	return samples
}

// EncodeWAV renders mono float samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := uint32(len(samples) * 2)
	blockAlign := uint16(channels * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate)*uint32(blockAlign))
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)

	for _, s := range samples {
		v := math.Round(float64(s) * 32768)
		v = max(min(v, math.MaxInt16), math.MinInt16)
		binary.Write(&buf, binary.LittleEndian, int16(v))
	}
	return buf.Bytes()
}
