package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Frame geometry for the realtime path: 20ms of PCM16 mono at 16kHz.
const (
	SampleRate    = 16000
	FrameMillis   = 20
	FrameSamples  = SampleRate * FrameMillis / 1000 // 320
	FrameBytes    = FrameSamples * 2                // 640
)

// DecodeFrame decodes a base64 audio payload and checks it is valid PCM16.
// Frames shorter or longer than FrameBytes are accepted (the upstream
// telephony leg can repacketize) but must hold whole samples.
func DecodeFrame(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty audio frame")
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd PCM16 frame length %d", len(raw))
	}
	return raw, nil
}

// EncodeFrame is the wire encoding for outbound PCM16 audio.
func EncodeFrame(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// RMS computes the RMS amplitude of little-endian PCM16 audio.
func RMS(b []byte) float64 {
	if len(b) < 2 {
		return 0
	}
	var sum float64
	n := len(b) / 2
	for i := 0; i < n; i++ {
		sample := int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns n frames of silence, concatenated.
func Silence(n int) []byte {
	return make([]byte, n*FrameBytes)
}
