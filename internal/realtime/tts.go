package realtime

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"tom/gateway/internal/audio"
)

// PiperSpeaker synthesizes speech by piping text through the piper binary
// and reading raw PCM16 off stdout in 20ms frames.
type PiperSpeaker struct {
	binPath string
	voice   string
}

func NewPiperSpeaker(binPath, voice string) *PiperSpeaker {
	return &PiperSpeaker{binPath: binPath, voice: voice}
}

// Synthesize runs piper for the whole response and emits fixed-size
// frames as they stream out. Cancelling the context kills the process.
func (p *PiperSpeaker) Synthesize(ctx context.Context, text string, emit func(frame []byte)) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, p.binPath,
		"--model", p.voice,
		"--output-raw",
		"--sample-rate", "16000",
	)
	cmd.Stdin = strings.NewReader(text)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("piper start: %w", err)
	}

	frame := make([]byte, audio.FrameBytes)
	for {
		n, err := io.ReadFull(stdout, frame)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// trailing partial frame: pad with silence
			out := make([]byte, audio.FrameBytes)
			copy(out, frame[:n])
			emit(out)
			break
		}
		if err != nil {
			_ = cmd.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("piper read: %w", err)
		}
		out := make([]byte, audio.FrameBytes)
		copy(out, frame)
		emit(out)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("piper: %w", err)
	}
	return nil
}
