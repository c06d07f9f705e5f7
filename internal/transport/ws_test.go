package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// jsonCodec decodes {"name":..., "data":...} messages, one frame each.
type jsonCodec struct{}

func (jsonCodec) EnterFrame() ([]byte, error)    { return []byte(`{"enter":true}`), nil }
func (jsonCodec) Heartbeat() []byte              { return nil }
func (jsonCodec) HeartbeatInterval() time.Duration { return 0 }
func (jsonCodec) Decode(data []byte) ([]Frame, error) {
	var m struct {
		Name string `json:"name"`
		Data any    `json:"data"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return []Frame{{Name: m.Name, Data: m.Data, Raw: data}}, nil
}

// startServer runs a websocket server that waits for the enter frame and
// then sends each payload in order.
func startServer(t *testing.T, payloads []string, closeAfter bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Enter frame must arrive first.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		if closeAfter {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientDeliversFramesInOrder(t *testing.T) {
	srv := startServer(t, []string{
		`{"name":"a"}`, `{"name":"b"}`, `{"name":"c"}`,
	}, false)

	var mu sync.Mutex
	var names []string
	got := make(chan struct{})

	client := NewWSClient(WSOptions{URL: wsURL(srv), Codec: jsonCodec{}}, Handlers{
		OnFrame: func(f Frame) {
			mu.Lock()
			names = append(names, f.Name)
			n := len(names)
			mu.Unlock()
			if n == 3 {
				close(got)
			}
		},
	})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frames")
	}
	mu.Lock()
	defer mu.Unlock()
	if names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("frame order: got %v", names)
	}
}

func TestWSClientCloseSuppressesOnClose(t *testing.T) {
	srv := startServer(t, nil, false)

	closed := make(chan error, 1)
	client := NewWSClient(WSOptions{URL: wsURL(srv), Codec: jsonCodec{}}, Handlers{
		OnClose: func(err error) { closed <- err },
	})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-closed:
		t.Errorf("OnClose fired after application close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// Closing the client while the reader is between messages must not crash
// the reader goroutine: the loops keep their own connection handle.
func TestWSClientCloseDuringDispatch(t *testing.T) {
	srv := startServer(t, []string{
		`{"name":"a"}`, `{"name":"b"}`, `{"name":"c"}`,
	}, false)

	first := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	client := NewWSClient(WSOptions{URL: wsURL(srv), Codec: jsonCodec{}}, Handlers{
		OnFrame: func(Frame) {
			once.Do(func() { close(first) })
			<-gate
		},
	})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first frame")
	}
	// Close mid-dispatch, then let the reader loop back around to the
	// connection for the remaining frames.
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(gate)
	time.Sleep(100 * time.Millisecond)
}

func TestWSClientRemoteCloseFiresOnClose(t *testing.T) {
	srv := startServer(t, []string{`{"name":"a"}`}, true)

	closed := make(chan error, 1)
	client := NewWSClient(WSOptions{URL: wsURL(srv), Codec: jsonCodec{}}, Handlers{
		OnClose: func(err error) { closed <- err },
	})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose did not fire on remote close")
	}
}

func TestWSClientDialFailure(t *testing.T) {
	client := NewWSClient(WSOptions{URL: "ws://127.0.0.1:1/nope", Codec: jsonCodec{}}, Handlers{})
	if err := client.Open(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}
