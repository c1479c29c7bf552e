package pose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream consumes segmented stroke samples pushed by the pose service
// over a WebSocket connection.
type Stream struct{ url string }

func NewStream(u string) Stream { return Stream{u} }

// Run streams samples into the channel until ctx is cancelled,
// reconnecting with exponential backoff on connection failure.
func (w Stream) Run(ctx context.Context, samples chan<- StrokeSample, errs chan<- error, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.streamOnce(ctx, samples, errs, ping); err != nil {
				log.Warn().Err(err).Dur("backoff", backoff).Msg("pose stream disconnected, reconnecting")
				select {
				case errs <- fmt.Errorf("pose stream reconnect: %w", err):
				default:
				}

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (w Stream) streamOnce(ctx context.Context, samples chan<- StrokeSample, errs chan<- error, ping time.Duration) error {
	log.Info().Str("url", w.url).Msg("connecting to pose stream")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(4 * 1024 * 1024) // landmark timelines can be large
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "ch": "strokes"}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	pingTicker := time.NewTicker(ping)
	defer pingTicker.Stop()

	msgs := make(chan []byte, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		case err := <-readErr:
			return fmt.Errorf("read failed: %w", err)
		case data := <-msgs:
			var sample StrokeSample
			if err := json.Unmarshal(data, &sample); err != nil {
				select {
				case errs <- fmt.Errorf("malformed stroke message: %w", err):
				default:
				}
				continue
			}
			if err := sample.Validate(); err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			select {
			case samples <- sample:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
