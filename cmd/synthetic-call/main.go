// synthetic-call drives one end-to-end call against a running gateway:
// it mints a call token, streams synthetic audio frames, triggers a
// barge-in mid-reply and prints every event the gateway sends back.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"nhooyr.io/websocket"

	"tom/gateway/internal/audio"
	"tom/gateway/internal/auth"
)

func main() {
	_ = godotenv.Load()

	gatewayURL := flag.String("gateway", "ws://localhost:8080", "Gateway base URL")
	callID := flag.String("call", "synthetic-"+time.Now().Format("150405"), "Call ID")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	issuer := flag.String("issuer", "tom-telephony", "JWT issuer")
	audience := flag.String("audience", "tom-gateway", "JWT audience")
	seconds := flag.Int("seconds", 3, "Seconds of speech audio to stream")
	bargeIn := flag.Bool("barge-in", true, "Interrupt the agent mid-reply")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	if *secret == "" {
		log.Fatalf("no JWT secret: set JWT_SECRET or pass -secret")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token, err := auth.Mint(*secret, *issuer, *audience, *callID, 30*time.Second)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	url := strings.TrimSuffix(*gatewayURL, "/") + "/ws/stream/" + *callID
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"realtime-v1"},
	})
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	fmt.Printf("=== Synthetic Call ===\nCall: %s\nGateway: %s\n\n", *callID, url)

	send(ctx, conn, map[string]any{"type": "auth", "jwt": token})

	// Receiver goroutine prints everything and flags the first TTS audio
	// so we can time the barge-in.
	firstAudio := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Printf("[recv] closed: %v\n", err)
				}
				return
			}
			var ev map[string]any
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			typ, _ := ev["type"].(string)
			switch typ {
			case "tts_audio":
				select {
				case firstAudio <- struct{}{}:
				default:
				}
				fmt.Println("[recv] tts_audio")
			case "llm_token":
				fmt.Printf("[recv] llm_token %q\n", ev["text"])
			default:
				fmt.Printf("[recv] %s %s\n", typ, compact(ev))
			}
		}
	}()

	// Stream a 440Hz tone as stand-in speech, 20ms frames in real time.
	frames := *seconds * 50
	fmt.Printf("[send] streaming %d audio frames\n", frames)
	ticker := time.NewTicker(audio.FrameMillis * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < frames; i++ {
		<-ticker.C
		send(ctx, conn, map[string]any{
			"type":         "audio_chunk",
			"audio":        audio.EncodeFrame(toneFrame(i)),
			"timestamp":    float64(i) * 0.02,
			"audio_length": audio.FrameSamples,
		})
	}
	// Commit whatever the VAD has buffered.
	send(ctx, conn, map[string]any{"type": "ping", "timestamp": float64(frames) * 0.02})

	if *bargeIn {
		select {
		case <-firstAudio:
			fmt.Println("[send] barge_in")
			send(ctx, conn, map[string]any{"type": "barge_in", "timestamp": float64(frames) * 0.02})
		case <-time.After(10 * time.Second):
			fmt.Println("[send] no tts_audio seen, skipping barge_in")
		case <-ctx.Done():
		}
	}

	time.Sleep(2 * time.Second)
	fmt.Println("[send] stop")
	send(ctx, conn, map[string]any{"type": "stop"})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
	}
	fmt.Println("\ncall finished")
}

func send(ctx context.Context, conn *websocket.Conn, v map[string]any) {
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Fatalf("send %s: %v", v["type"], err)
	}
}

// toneFrame generates one 20ms frame of a 440Hz sine at speech-like
// amplitude so the VAD treats it as voice.
func toneFrame(n int) []byte {
	frame := make([]byte, audio.FrameBytes)
	for i := 0; i < audio.FrameSamples; i++ {
		t := float64(n*audio.FrameSamples+i) / float64(audio.SampleRate)
		s := int16(8000 * math.Sin(2*math.Pi*440*t))
		frame[i*2] = byte(s)
		frame[i*2+1] = byte(s >> 8)
	}
	return frame
}

func compact(ev map[string]any) string {
	delete(ev, "type")
	if len(ev) == 0 {
		return ""
	}
	data, _ := json.Marshal(ev)
	if len(data) > 120 {
		data = append(data[:120], []byte("...")...)
	}
	return string(data)
}
