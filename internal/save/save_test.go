package save

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/room"
)

func newTestPlugin(t *testing.T, opts Options) (*bus.Bus, *Plugin) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	b := bus.New(zerolog.Nop())
	p := New(opts)
	if err := b.Register(p); err != nil {
		t.Fatalf("register save plugin: %v", err)
	}
	t.Cleanup(b.Close)
	return b, p
}

func openRoom(b *bus.Bus, status message.LiveStatus) {
	b.Emit("room:open", room.Data{
		Platform: "fake",
		ID:       "42",
		Key:      room.Key("fake", "42"),
		Status:   status,
	})
}

func chat(content string) *message.Message {
	return &message.Message{
		Platform:  "fake",
		RoomID:    "42",
		ID:        "m-" + content,
		Type:      message.TypeComment,
		Timestamp: 1700000000000,
		Info:      &message.CommentInfo{Content: content},
	}
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+partSuffix))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestWritesMessageStream(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir, SaveMessage: true})

	openRoom(b, message.StatusLive)
	b.Emit("live:message", chat("one"))
	b.Emit("live:message", chat("two"))

	parts := partFiles(t, dir)
	if len(parts) != 1 {
		t.Fatalf("got %d part files, want 1: %v", len(parts), parts)
	}
	name := filepath.Base(parts[0])
	if !strings.HasPrefix(name, "fake_42-") {
		t.Errorf("file name = %q, want fake_42- prefix", name)
	}
	if !strings.Contains(name, letterLive+".jsonl") {
		t.Errorf("file name = %q, want live status letter", name)
	}

	b.Emit("room:close", room.Data{Key: room.Key("fake", "42")})
	finals, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(finals) != 1 {
		t.Fatalf("got %d final files, want 1", len(finals))
	}
	lines := readLines(t, finals[0])
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"comment"`) || !strings.Contains(lines[0], "one") {
		t.Errorf("line 0 = %s", lines[0])
	}
}

func TestRawStreamSeparate(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir, SaveMessage: true, SaveRaw: true})

	openRoom(b, message.StatusOff)
	b.Emit("live:message", chat("one"))
	b.Emit("live:raw", room.RawEvent{Platform: "fake", RoomID: "42", Name: "OPAQUE"})

	parts := partFiles(t, dir)
	if len(parts) != 2 {
		t.Fatalf("got %d part files, want message+raw: %v", len(parts), parts)
	}
	var rawSeen bool
	for _, f := range parts {
		if strings.Contains(f, ".raw.jsonl") {
			rawSeen = true
		}
	}
	if !rawSeen {
		t.Errorf("raw stream file missing: %v", parts)
	}
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir, SaveMessage: true})

	openRoom(b, message.StatusLive)
	b.Emit("live:message", chat("one"))

	if err := b.SetValue("save.message", false); err != nil {
		t.Fatalf("pause: %v", err)
	}
	b.Emit("live:message", chat("two"))
	if err := b.SetValue("save.message", true); err != nil {
		t.Fatalf("resume: %v", err)
	}
	b.Emit("live:message", chat("three"))

	b.Emit("room:close", room.Data{Key: room.Key("fake", "42")})
	finals, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if len(finals) != 1 {
		t.Fatalf("got %d final files, want 1", len(finals))
	}
	lines := readLines(t, finals[0])
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (paused message skipped)", len(lines))
	}
}

func TestValueChangeEvent(t *testing.T) {
	b, _ := newTestPlugin(t, Options{SaveMessage: true})
	var got []any
	b.On("save.message:changed", func(payload any) { got = append(got, payload) })
	if err := b.SetValue("save.message", false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(got) != 1 || got[0] != false {
		t.Errorf("change events = %v, want [false]", got)
	}
}

func TestLiveBoundaryCutsFile(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir, SaveMessage: true})

	openRoom(b, message.StatusOff)
	b.Emit("live:message", chat("before"))

	start := chat("ignored")
	start.Type = message.TypeLiveStart
	start.Info = message.LiveStartInfo{ID: "live-1"}
	b.Emit("live:message", start)
	b.Emit("live:message", chat("during"))

	finals, _ := filepath.Glob(filepath.Join(dir, "*O.jsonl"))
	if len(finals) != 1 {
		t.Fatalf("pre-start file not finalized: %v", finals)
	}

	parts := partFiles(t, dir)
	if len(parts) != 1 {
		t.Fatalf("got %d open files, want 1: %v", len(parts), parts)
	}
	if !strings.Contains(filepath.Base(parts[0]), letterStart+".jsonl") {
		t.Errorf("new file = %q, want start letter", parts[0])
	}
}

func TestCompletedAnnouncement(t *testing.T) {
	dir := t.TempDir()
	b, p := newTestPlugin(t, Options{Dir: dir, SaveMessage: true})

	openRoom(b, message.StatusLive)
	b.Emit("live:message", chat("one"))
	b.Emit("room:close", room.Data{Key: room.Key("fake", "42")})

	select {
	case path := <-p.Completed():
		if !strings.HasSuffix(path, ".jsonl") || strings.HasSuffix(path, partSuffix) {
			t.Errorf("completed path = %q", path)
		}
	case <-time.After(time.Second):
		t.Fatal("no completed announcement")
	}
}

func TestEmptyFileDiscarded(t *testing.T) {
	dir := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir, SaveMessage: true})

	openRoom(b, message.StatusLive)
	b.Emit("room:close", room.Data{Key: room.Key("fake", "42")})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("dir not empty: %v", entries)
	}
}

func TestPathRedirect(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	b, _ := newTestPlugin(t, Options{Dir: dir1, SaveMessage: true})

	openRoom(b, message.StatusLive)
	b.Emit("live:message", chat("one"))
	if err := b.SetValue("save.path", dir2); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	b.Emit("live:message", chat("two"))

	if finals, _ := filepath.Glob(filepath.Join(dir1, "*.jsonl")); len(finals) != 1 {
		t.Errorf("old dir files = %v, want the cut file", finals)
	}
	if parts := partFiles(t, dir2); len(parts) != 1 {
		t.Errorf("new dir parts = %v, want 1", parts)
	}
}
