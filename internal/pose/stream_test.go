package pose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floodServer upgrades one connection, consumes the subscribe message
// and writes stroke samples as fast as the socket accepts them.
func floodServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	data, err := json.Marshal(validSample())
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
}

func TestStreamOnceStopsReaderOnCancel(t *testing.T) {
	srv := floodServer(t)
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	stream := NewStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	samples := make(chan StrokeSample) // deliberately never consumed
	errs := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())

	ret := make(chan error, 1)
	go func() { ret <- stream.streamOnce(ctx, samples, errs, time.Minute) }()

	// let the flood fill the internal message buffer, then cancel
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-ret:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("streamOnce did not return after cancellation")
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 5*time.Second, 50*time.Millisecond, "reader goroutine must exit with the connection")
}

func TestStreamOnceDeliversValidSamples(t *testing.T) {
	srv := floodServer(t)
	defer srv.Close()

	stream := NewStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	samples := make(chan StrokeSample, 1)
	errs := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go stream.streamOnce(ctx, samples, errs, time.Minute)

	select {
	case sample := <-samples:
		assert.Equal(t, "s1", sample.ID)
		assert.NoError(t, sample.Validate())
	case <-time.After(5 * time.Second):
		t.Fatal("no sample received")
	}
}
