package ws_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/server/ws"
)

// chanBus hands out one buffered channel per bus channel.
type chanBus struct {
	chans map[string]chan []byte
}

func newChanBus() *chanBus {
	b := &chanBus{chans: make(map[string]chan []byte)}
	for _, ch := range ws.Channels {
		b.chans[ch] = make(chan []byte, 16)
	}
	return b
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.chans[channel] <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, bus domain.SignalBus, origins []string) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(bus, logger, ws.Config{Mode: "API", AllowedOrigins: origins})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_StatusThenFanOut(t *testing.T) {
	bus := newChanBus()
	url := startHub(t, bus, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readFrame(t, conn)
	assert.Equal(t, "hub_status", status.Type)
	var snap struct {
		Mode         string   `json:"mode"`
		BusConnected bool     `json:"bus_connected"`
		Channels     []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(status.Payload, &snap))
	assert.Equal(t, "api", snap.Mode)
	assert.True(t, snap.BusConnected)
	assert.Equal(t, ws.Channels, snap.Channels)

	event := `{"type":"stake_placed","prediction_id":"p1","amount_cents":50}`
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelStakes, []byte(event)))

	got := readFrame(t, conn)
	assert.Equal(t, "stake_placed", got.Type)
	assert.Equal(t, domain.ChannelStakes, got.Channel)
	assert.JSONEq(t, event, string(got.Payload))
}

func TestHub_WithoutBus(t *testing.T) {
	url := startHub(t, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readFrame(t, conn)
	assert.Equal(t, "hub_status", status.Type)
	assert.Contains(t, string(status.Payload), `"bus_connected":false`)
}

func TestHub_RejectsUnknownOrigin(t *testing.T) {
	url := startHub(t, newChanBus(), []string{"https://app.example"})

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://APP.example"}})
	require.NoError(t, err)
	conn.Close()
}
