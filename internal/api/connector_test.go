package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"candle-stream-bridge/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// fakeRelay answers asset queries with asset and pushes frames on connect.
type fakeRelay struct {
	asset  string
	frames []RelayMessage
	kill   chan struct{}
}

func (f *fakeRelay) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, fr := range f.frames {
			if err := conn.WriteJSON(fr); err != nil {
				return
			}
		}

		go func() {
			if f.kill != nil {
				<-f.kill
				conn.Close()
			}
		}()

		for {
			var msg RelayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == msgQueryCurrentAsset {
				conn.WriteJSON(RelayMessage{Type: msgCurrentAsset, ID: msg.ID, Asset: f.asset})
			}
		}
	}
}

func startRelay(t *testing.T, relay *fakeRelay) (*Connector, func()) {
	t.Helper()
	srv := httptest.NewServer(relay.handler(t))
	cfg := service.UpstreamConfig{
		WSURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: time.Second,
		QueryTimeout:     time.Second,
		PayloadBuffer:    8,
	}
	c := NewConnector(cfg, zap.NewNop())
	return c, func() {
		c.Close()
		srv.Close()
	}
}

func TestConnectorForwardsPayloads(t *testing.T) {
	relay := &fakeRelay{frames: []RelayMessage{
		{Type: msgPayload, Data: []byte(`[["A",1,1.5]]`)},
		{Type: msgPayload, Data: []byte(`"42[\"updateStream\",[[\"A\",2,1.6]]]"`)},
		{Type: "status"},
	}}
	c, stop := startRelay(t, relay)
	defer stop()

	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []string{`[["A",1,1.5]]`, `42["updateStream",[["A",2,1.6]]]`}
	for i, w := range want {
		select {
		case got := <-c.Payloads():
			if string(got.Data) != w {
				t.Errorf("payload %d = %s, want %s", i, got.Data, w)
			}
			if got.Gen != c.Generation() {
				t.Errorf("payload %d tagged with generation %d, want %d", i, got.Gen, c.Generation())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for payload %d", i)
		}
	}
}

func TestConnectorQueryCurrentAsset(t *testing.T) {
	tests := []struct {
		name    string
		asset   string
		want    string
		wantErr error
	}{
		{"reports asset", "EURUSD_otc", "EURUSD_otc", nil},
		{"no asset", "", "", ErrNoCurrentAsset},
		{"blank asset", "   ", "", ErrNoCurrentAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, stop := startRelay(t, &fakeRelay{asset: tt.asset})
			defer stop()
			if err := c.Connect(context.Background(), nil); err != nil {
				t.Fatalf("connect: %v", err)
			}

			got, err := c.QueryCurrentAsset(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if got != tt.want {
				t.Errorf("asset = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectorQueryWithoutConnection(t *testing.T) {
	c := NewConnector(service.UpstreamConfig{WSURL: "ws://127.0.0.1:1"}, zap.NewNop())
	if _, err := c.QueryCurrentAsset(context.Background()); !errors.Is(err, ErrUpstreamDisconnected) {
		t.Errorf("Expected ErrUpstreamDisconnected, got %v", err)
	}
	if err := c.Healthy(context.Background()); !errors.Is(err, ErrUpstreamDisconnected) {
		t.Errorf("Expected ErrUpstreamDisconnected, got %v", err)
	}
}

func TestConnectorReportsFailure(t *testing.T) {
	relay := &fakeRelay{kill: make(chan struct{})}
	c, stop := startRelay(t, relay)
	defer stop()

	failures := make(chan error, 1)
	c.OnFailure(func(err error) { failures <- err })
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Healthy(context.Background()); err != nil {
		t.Fatalf("fresh connection should be healthy: %v", err)
	}

	close(relay.kill)
	select {
	case err := <-failures:
		if !errors.Is(err, ErrUpstreamDisconnected) {
			t.Errorf("Expected ErrUpstreamDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestConnectorCloseIsQuiet(t *testing.T) {
	c, stop := startRelay(t, &fakeRelay{})
	defer stop()

	failures := make(chan error, 1)
	c.OnFailure(func(err error) { failures <- err })
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()

	select {
	case err := <-failures:
		t.Errorf("Close must not report a failure, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectorPrepareRunsBeforeRead(t *testing.T) {
	relay := &fakeRelay{frames: []RelayMessage{{Type: msgPayload, Data: []byte(`[["A",1,1.5]]`)}}}
	c, stop := startRelay(t, relay)
	defer stop()

	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := <-c.Payloads()

	var prepared uint64
	var queued int
	if err := c.Connect(context.Background(), func() {
		prepared = c.Generation()
		queued = len(c.Payloads())
	}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if queued != 0 {
		t.Errorf("Nothing from the new connection may be read before prepare, found %d queued", queued)
	}
	if prepared <= first.Gen {
		t.Errorf("prepare should see the new generation, got %d after %d", prepared, first.Gen)
	}

	select {
	case got := <-c.Payloads():
		if got.Gen != prepared {
			t.Errorf("payload generation = %d, want %d", got.Gen, prepared)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload of the new connection")
	}
}
