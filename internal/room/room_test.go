package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/transport"
)

type fakeClient struct {
	h transport.Handlers

	mu      sync.Mutex
	openErr error
	closed  int
}

func (c *fakeClient) Open(ctx context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.h.OnOpen()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frame pushes an inbound frame through the client's handlers.
func (c *fakeClient) frame(name string, data any) {
	c.h.OnFrame(transport.Frame{Name: name, Data: data})
}

// drop simulates a remote disconnect.
func (c *fakeClient) drop(err error) {
	c.h.OnClose(err)
}

type fakeAdapter struct {
	mu         sync.Mutex
	data       Data
	fetchErr   error
	tokenErr   error
	openErr    error
	fetchCalls int
	tokenCalls int
	clients    []*fakeClient
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{data: Data{ID: "42", Available: true, Status: message.StatusLive}}
}

func (a *fakeAdapter) Platform() string { return "fake" }

func (a *fakeAdapter) FetchData(ctx context.Context) (*Data, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	d := a.data
	return &d, nil
}

func (a *fakeAdapter) FetchTokens(ctx context.Context, credentials string) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokenCalls++
	if a.tokenErr != nil {
		return nil, a.tokenErr
	}
	return "token-for-" + credentials, nil
}

func (a *fakeAdapter) NormalizeCredentials(ctx context.Context, credentials string) (string, error) {
	if credentials == "" {
		return "guest=1", nil
	}
	return credentials, nil
}

func (a *fakeAdapter) NewTransport(tokens any, data *Data, h transport.Handlers) (transport.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &fakeClient{h: h, openErr: a.openErr}
	a.clients = append(a.clients, c)
	return c, nil
}

func (a *fakeAdapter) HandleFrame(f transport.Frame, snap *Data) (*message.Message, bool) {
	switch f.Name {
	case "enter":
		return nil, true
	case "chat":
		text, _ := f.Data.(string)
		return &message.Message{
			Platform:  snap.Platform,
			RoomID:    snap.ID,
			Type:      message.TypeComment,
			Timestamp: 1700000000000,
			Info:      &message.CommentInfo{Content: text},
		}, false
	case "live_start":
		return &message.Message{
			Platform:  snap.Platform,
			RoomID:    snap.ID,
			Type:      message.TypeLiveStart,
			Timestamp: 1700000000000,
			Info:      &message.LiveStartInfo{ID: "live-7"},
		}, false
	case "live_end":
		return &message.Message{
			Platform:  snap.Platform,
			RoomID:    snap.ID,
			Type:      message.TypeLiveEnd,
			Timestamp: 1700000000000,
			Info:      &message.LiveEndInfo{Status: message.StatusOff},
		}, false
	case "live_cut":
		return &message.Message{
			Platform:  snap.Platform,
			RoomID:    snap.ID,
			Type:      message.TypeLiveCut,
			Timestamp: 1700000000000,
			Info:      &message.LiveCutInfo{Message: "cut"},
		}, false
	}
	return nil, false
}

func (a *fakeAdapter) client(i int) *fakeClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.clients) {
		return nil
	}
	return a.clients[i]
}

func (a *fakeAdapter) clientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

func (a *fakeAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

func newTestRoom(a *fakeAdapter, opts Options) *Room {
	return New(a, "42", zerolog.Nop(), opts)
}

// record subscribes to an event and counts payloads.
func record(r *Room, name string) *eventLog {
	el := &eventLog{}
	r.Events().On(name, func(payload any) {
		el.mu.Lock()
		el.payloads = append(el.payloads, payload)
		el.mu.Unlock()
	})
	return el
}

type eventLog struct {
	mu       sync.Mutex
	payloads []any
}

func (el *eventLog) count() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.payloads)
}

func (el *eventLog) last() any {
	el.mu.Lock()
	defer el.mu.Unlock()
	if len(el.payloads) == 0 {
		return nil
	}
	return el.payloads[len(el.payloads)-1]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenIdempotent(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	opens := record(r, "open")

	r.Open(context.Background())
	r.Open(context.Background())

	if got := a.fetchCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if got := a.clientCount(); got != 1 {
		t.Errorf("transport clients = %d, want 1", got)
	}
	if got := opens.count(); got != 1 {
		t.Errorf("open events = %d, want 1", got)
	}
	d := r.Data()
	if d.OpenStatus != OpenOpened {
		t.Errorf("open status = %v, want opened", d.OpenStatus)
	}
	if d.ConnectionStatus != ConnConnected {
		t.Errorf("connection status = %v, want connected", d.ConnectionStatus)
	}
}

func TestOpenUnavailableStaysClosed(t *testing.T) {
	a := newFakeAdapter()
	a.data.Available = false
	r := newTestRoom(a, Options{})
	opens := record(r, "open")

	r.Open(context.Background())

	if got := a.clientCount(); got != 0 {
		t.Errorf("transport clients = %d, want 0", got)
	}
	if got := opens.count(); got != 0 {
		t.Errorf("open events = %d, want 0", got)
	}
	if d := r.Data(); d.OpenStatus != OpenClosed {
		t.Errorf("open status = %v, want closed", d.OpenStatus)
	}
}

func TestOpenFetchFailure(t *testing.T) {
	a := newFakeAdapter()
	a.fetchErr = errors.New("api down")
	r := newTestRoom(a, Options{})
	infoErrs := record(r, "info_error")

	r.Open(context.Background())

	if got := infoErrs.count(); got != 1 {
		t.Fatalf("info_error events = %d, want 1", got)
	}
	ie, ok := infoErrs.last().(InfoError)
	if !ok {
		t.Fatalf("info_error payload = %T, want InfoError", infoErrs.last())
	}
	if ie.Op != "update" {
		t.Errorf("info_error op = %q, want %q", ie.Op, "update")
	}
	if d := r.Data(); d.OpenStatus != OpenClosed {
		t.Errorf("open status = %v, want closed", d.OpenStatus)
	}
}

func TestCloseIdempotent(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	closes := record(r, "close")

	r.Open(context.Background())
	r.Close()
	r.Close()

	if got := closes.count(); got != 1 {
		t.Errorf("close events = %d, want 1", got)
	}
	if got := a.client(0).closeCount(); got != 1 {
		t.Errorf("client close calls = %d, want 1", got)
	}
	if d := r.Data(); d.ConnectionStatus != ConnOff {
		t.Errorf("connection status = %v, want off", d.ConnectionStatus)
	}
}

func TestSeamlessReconnect(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	r.Open(context.Background())

	first := a.client(0)
	r.Reconnect(context.Background())

	if got := a.clientCount(); got != 2 {
		t.Fatalf("transport clients = %d, want 2", got)
	}
	if got := first.closeCount(); got != 1 {
		t.Errorf("displaced client close calls = %d, want 1", got)
	}
	second := a.client(1)
	if r.Client() != second {
		t.Error("attached client is not the replacement")
	}
	if got := second.closeCount(); got != 0 {
		t.Errorf("replacement client close calls = %d, want 0", got)
	}
}

func TestReconnectFailureKeepsCurrentSession(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	messages := record(r, "message")

	r.Open(context.Background())
	first := a.client(0)
	first.frame("enter", nil)

	a.mu.Lock()
	a.openErr = errors.New("dial refused")
	a.mu.Unlock()
	r.Reconnect(context.Background())

	if got := a.clientCount(); got != 2 {
		t.Fatalf("transport clients = %d, want 2", got)
	}
	if got := first.closeCount(); got != 0 {
		t.Errorf("displaced client close calls = %d, want 0", got)
	}
	if r.Client() != first {
		t.Error("attached client is not the surviving original")
	}
	if d := r.Data(); d.ConnectionStatus != ConnEntered {
		t.Errorf("connection status = %v, want entered", d.ConnectionStatus)
	}

	// The surviving session still delivers frames.
	first.frame("chat", "still here")
	if got := messages.count(); got != 1 {
		t.Errorf("message events = %d, want 1", got)
	}

	// And a later reconnect is not wedged by the failed one.
	a.mu.Lock()
	a.openErr = nil
	a.mu.Unlock()
	r.Reconnect(context.Background())
	if got := a.clientCount(); got != 3 {
		t.Errorf("transport clients = %d, want 3", got)
	}
	if got := first.closeCount(); got != 1 {
		t.Errorf("original client close calls after handover = %d, want 1", got)
	}
}

func TestReconnectWhileClosedIsNoop(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})

	r.Reconnect(context.Background())

	if got := a.clientCount(); got != 0 {
		t.Errorf("transport clients = %d, want 0", got)
	}
}

func TestAutoReconnect(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{AutoReconnect: true, ConnectInterval: 10 * time.Millisecond})
	disconnects := record(r, "disconnect")

	r.Open(context.Background())
	a.client(0).drop(errors.New("connection reset"))

	if got := disconnects.count(); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
	waitFor(t, func() bool { return a.clientCount() == 2 }, "replacement client")
	waitFor(t, func() bool { return r.Data().ConnectionStatus == ConnConnected }, "reconnected state")
}

func TestAutoReconnectSurvivesFailedAttempt(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{AutoReconnect: true, ConnectInterval: 10 * time.Millisecond})

	r.Open(context.Background())

	a.mu.Lock()
	a.openErr = errors.New("dial refused")
	a.mu.Unlock()
	a.client(0).drop(errors.New("connection reset"))

	// The first retry fails; the schedule must keep going.
	waitFor(t, func() bool { return a.clientCount() >= 2 }, "failed retry attempt")
	a.mu.Lock()
	a.openErr = nil
	a.mu.Unlock()

	waitFor(t, func() bool { return r.Data().ConnectionStatus == ConnConnected }, "recovered connection")
	if r.Client() == a.client(0) {
		t.Error("dead client still attached after recovery")
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{AutoReconnect: true, ConnectInterval: 50 * time.Millisecond})

	r.Open(context.Background())
	a.client(0).drop(errors.New("connection reset"))
	r.Close()

	time.Sleep(120 * time.Millisecond)
	if got := a.clientCount(); got != 1 {
		t.Errorf("transport clients = %d, want 1 (retry should be canceled)", got)
	}
}

func TestFrameDispatch(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	messages := record(r, "message")
	raws := record(r, "raw")
	enters := record(r, "enter")

	r.Open(context.Background())
	c := a.client(0)

	c.frame("enter", nil)
	if got := enters.count(); got != 1 {
		t.Errorf("enter events = %d, want 1", got)
	}
	if d := r.Data(); d.ConnectionStatus != ConnEntered {
		t.Errorf("connection status = %v, want entered", d.ConnectionStatus)
	}

	c.frame("chat", "hello")
	if got := messages.count(); got != 1 {
		t.Fatalf("message events = %d, want 1", got)
	}
	m := messages.last().(*message.Message)
	if m.Type != message.TypeComment {
		t.Errorf("message type = %q, want comment", m.Type)
	}
	if m.Info.(*message.CommentInfo).Content != "hello" {
		t.Errorf("comment content = %q, want hello", m.Info.(*message.CommentInfo).Content)
	}

	// Frames without canonical meaning still reach the raw stream.
	c.frame("heartbeat_ack", nil)
	if got := messages.count(); got != 1 {
		t.Errorf("message events after opaque frame = %d, want 1", got)
	}
	if got := raws.count(); got != 3 {
		t.Errorf("raw events = %d, want 3", got)
	}
	re := raws.last().(RawEvent)
	if re.Platform != "fake" || re.RoomID != "42" || re.Name != "heartbeat_ack" {
		t.Errorf("raw event = %+v", re)
	}
}

func TestStatusMessageFoldsIntoSnapshot(t *testing.T) {
	a := newFakeAdapter()
	a.data.Status = message.StatusOff
	r := newTestRoom(a, Options{})
	statuses := record(r, "status")

	r.Open(context.Background())
	a.client(0).frame("live_start", nil)

	if got := statuses.count(); got != 1 {
		t.Fatalf("status events = %d, want 1", got)
	}
	d := r.Data()
	if d.Status != message.StatusLive {
		t.Errorf("status = %v, want live", d.Status)
	}
	if d.LiveID != "live-7" {
		t.Errorf("live id = %q, want live-7", d.LiveID)
	}
}

func TestEndAndCutMessagesFoldIntoSnapshot(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})
	statuses := record(r, "status")

	r.Open(context.Background())
	c := a.client(0)

	c.frame("live_end", nil)
	if got := statuses.count(); got != 1 {
		t.Fatalf("status events = %d, want 1", got)
	}
	if d := r.Data(); d.Status != message.StatusOff {
		t.Errorf("status after end = %v, want off", d.Status)
	}

	c.frame("live_cut", nil)
	if got := statuses.count(); got != 2 {
		t.Fatalf("status events = %d, want 2", got)
	}
	if d := r.Data(); d.Status != message.StatusBanned {
		t.Errorf("status after cut = %v, want banned", d.Status)
	}
}

func TestInit(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{Open: true})

	r.Init(context.Background())

	if got := r.Credentials(); got != "guest=1" {
		t.Errorf("credentials = %q, want synthesized guest", got)
	}
	a.mu.Lock()
	tokenCalls := a.tokenCalls
	a.mu.Unlock()
	if tokenCalls != 1 {
		t.Errorf("token fetches = %d, want 1", tokenCalls)
	}
	if d := r.Data(); d.OpenStatus != OpenOpened {
		t.Errorf("open status = %v, want opened", d.OpenStatus)
	}
}

func TestInitWithPresetTokensAndData(t *testing.T) {
	a := newFakeAdapter()
	preset := &Data{ID: "42", Available: true}
	r := newTestRoom(a, Options{Tokens: "preset", Data: preset})

	r.Init(context.Background())

	a.mu.Lock()
	tokenCalls, fetchCalls := a.tokenCalls, a.fetchCalls
	a.mu.Unlock()
	if tokenCalls != 0 {
		t.Errorf("token fetches = %d, want 0", tokenCalls)
	}
	if fetchCalls != 0 {
		t.Errorf("data fetches = %d, want 0", fetchCalls)
	}
}

func TestSetTokensReconnectsOpenRoom(t *testing.T) {
	a := newFakeAdapter()
	r := newTestRoom(a, Options{})

	r.SetTokens(context.Background(), "t1")
	if got := a.clientCount(); got != 0 {
		t.Fatalf("closed room reconnected on token change: %d clients", got)
	}

	r.Open(context.Background())
	r.SetTokens(context.Background(), "t2")
	if got := a.clientCount(); got != 2 {
		t.Errorf("transport clients = %d, want 2", got)
	}
}

func TestTransportOpenFailureReportsInfoError(t *testing.T) {
	a := newFakeAdapter()
	a.openErr = errors.New("dial refused")
	r := newTestRoom(a, Options{})
	infoErrs := record(r, "info_error")
	disconnects := record(r, "disconnect")

	r.Open(context.Background())

	if got := infoErrs.count(); got != 1 {
		t.Errorf("info_error events = %d, want 1", got)
	}
	if got := disconnects.count(); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
	if r.Client() != nil {
		t.Error("failed session left a client attached")
	}
}
