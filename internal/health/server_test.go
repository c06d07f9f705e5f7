package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/room"
)

type fakeRooms struct{ list []room.Data }

func (f *fakeRooms) Name() string { return "roomstub" }

func (f *fakeRooms) Init(ctx *bus.Context) error { return ctx.Expose("room", f) }

func (f *fakeRooms) List() []room.Data { return f.list }

func TestHealthEndpoint(t *testing.T) {
	p := New("127.0.0.1:0")
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	if err := b.Register(p); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	p.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRoomsEndpoint(t *testing.T) {
	p := New("127.0.0.1:0")
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	if err := b.Register(p); err != nil {
		t.Fatal(err)
	}

	// Without the capability the summary is unavailable.
	rec := httptest.NewRecorder()
	p.handleRooms(rec, httptest.NewRequest("GET", "/rooms", nil))
	if rec.Code != 503 {
		t.Fatalf("rooms without capability = %d, want 503", rec.Code)
	}

	stub := &fakeRooms{list: []room.Data{{Platform: "fake", ID: "42", Key: "fake:42"}}}
	if err := b.Register(stub); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	p.handleRooms(rec, httptest.NewRequest("GET", "/rooms", nil))
	if rec.Code != 200 {
		t.Fatalf("rooms = %d", rec.Code)
	}
	var got []room.Data
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Key != "fake:42" {
		t.Errorf("rooms = %+v", got)
	}

	// Withdrawing the capability restores the unavailable answer.
	if err := b.Unregister("roomstub"); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	p.handleRooms(rec, httptest.NewRequest("GET", "/rooms", nil))
	if rec.Code != 503 {
		t.Errorf("rooms after withdraw = %d, want 503", rec.Code)
	}
}
