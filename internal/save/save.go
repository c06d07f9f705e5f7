// Package save persists the canonical and raw live streams as rotated
// JSONL files, one pair per room.
package save

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/room"
)

const (
	streamMessage = "msg"
	streamRaw     = "raw"

	partSuffix = ".part"
)

// Status letters appended to file ids.
const (
	letterOff   = "O" // opened while the room was off air
	letterLive  = "L" // opened mid-broadcast
	letterStart = "S" // cut at a live_start boundary
	letterEnd   = "E" // cut at a live_end boundary
)

// Options configure the plugin.
type Options struct {
	// Dir receives the files. Created if missing.
	Dir string
	// BufferLines is the number of lines buffered before a flush.
	BufferLines int
	// RotateAfter cuts a file that has been open this long. Zero
	// disables time rotation.
	RotateAfter time.Duration
	// RotateBytes cuts a file that grew past this size. Zero disables
	// size rotation.
	RotateBytes int64
	// SaveMessage and SaveRaw are the initial pause states of the two
	// streams.
	SaveMessage bool
	SaveRaw     bool
}

// streamFile is one open JSONL file.
type streamFile struct {
	file    *os.File
	writer  *bufio.Writer
	path    string // current .part path
	final   string
	created time.Time
	written int64
	lines   int
}

// Plugin records live streams to disk. Completed files are announced on
// the Completed channel for archival shipping.
type Plugin struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	dir         string
	saveMessage bool
	saveRaw     bool
	files       map[string]*streamFile // key: roomKey + "|" + stream
	letters     map[string]string      // roomKey -> current status letter

	completed chan string
}

// New creates the plugin.
func New(opts Options) *Plugin {
	if opts.BufferLines <= 0 {
		opts.BufferLines = 50
	}
	return &Plugin{
		opts:        opts,
		dir:         opts.Dir,
		saveMessage: opts.SaveMessage,
		saveRaw:     opts.SaveRaw,
		files:       make(map[string]*streamFile),
		letters:     make(map[string]string),
		completed:   make(chan string, 64),
	}
}

// Name implements bus.Plugin.
func (p *Plugin) Name() string { return "save" }

// Completed announces finished files. The channel is never closed; a
// full channel drops the announcement (the uploader's startup scan picks
// stragglers up).
func (p *Plugin) Completed() <-chan string { return p.completed }

// Init implements bus.Plugin.
func (p *Plugin) Init(ctx *bus.Context) error {
	p.log = ctx.Logger()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create save directory: %w", err)
	}

	if err := ctx.RegisterValue("save.message", bus.Value{
		Get: func() any { p.mu.Lock(); defer p.mu.Unlock(); return p.saveMessage },
		Set: func(v any) error { return p.setPause(v, &p.saveMessage) },
	}); err != nil {
		return err
	}
	if err := ctx.RegisterValue("save.raw", bus.Value{
		Get: func() any { p.mu.Lock(); defer p.mu.Unlock(); return p.saveRaw },
		Set: func(v any) error { return p.setPause(v, &p.saveRaw) },
	}); err != nil {
		return err
	}
	if err := ctx.RegisterValue("save.path", bus.Value{
		Get: func() any { p.mu.Lock(); defer p.mu.Unlock(); return p.dir },
		Set: func(v any) error { return p.setDir(v) },
	}); err != nil {
		return err
	}

	ctx.On("room:open", func(payload any) {
		if d, ok := payload.(room.Data); ok {
			p.roomOpened(d)
		}
	})
	ctx.On("room:close", func(payload any) {
		if d, ok := payload.(room.Data); ok {
			p.roomClosed(d.Key)
		}
	})
	ctx.On("live:message", func(payload any) {
		m, ok := payload.(*message.Message)
		if !ok {
			return
		}
		p.handleMessage(m)
	})
	ctx.On("live:raw", func(payload any) {
		r, ok := payload.(room.RawEvent)
		if !ok {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.saveRaw {
			return
		}
		p.writeLine(room.Key(r.Platform, r.RoomID), streamRaw, r)
	})

	if p.opts.RotateAfter > 0 || p.opts.RotateBytes > 0 {
		go p.rotateLoop(ctx.Context())
	}
	go func() {
		<-ctx.Context().Done()
		p.closeAll()
	}()
	return nil
}

func (p *Plugin) setPause(v any, target *bool) error {
	on, ok := v.(bool)
	if !ok {
		return fmt.Errorf("want a bool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	*target = on
	return nil
}

// setDir redirects future files and cuts every open one so no file
// straddles directories.
func (p *Plugin) setDir(v any) error {
	dir, ok := v.(string)
	if !ok || dir == "" {
		return fmt.Errorf("want a non-empty string")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create save directory: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.files {
		p.finishFile(key)
	}
	p.dir = dir
	return nil
}

func statusLetter(status message.LiveStatus) string {
	if status == message.StatusLive {
		return letterLive
	}
	return letterOff
}

func (p *Plugin) roomOpened(d room.Data) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters[d.Key] = statusLetter(d.Status)
}

func (p *Plugin) roomClosed(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishFile(key + "|" + streamMessage)
	p.finishFile(key + "|" + streamRaw)
	delete(p.letters, key)
}

// handleMessage writes the canonical stream and cuts files at live
// session boundaries.
func (p *Plugin) handleMessage(m *message.Message) {
	key := room.Key(m.Platform, m.RoomID)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch m.Type {
	case message.TypeLiveStart:
		p.cutRoom(key, letterStart)
	case message.TypeLiveEnd:
		p.cutRoom(key, letterEnd)
	}

	if !p.saveMessage {
		return
	}
	p.writeLine(key, streamMessage, m)
}

// cutRoom finishes the room's open files and stamps the letter for the
// next ones. Caller holds p.mu.
func (p *Plugin) cutRoom(key, letter string) {
	p.finishFile(key + "|" + streamMessage)
	p.finishFile(key + "|" + streamRaw)
	p.letters[key] = letter
}

// writeLine appends one JSON line, opening the file on first use.
// Caller holds p.mu.
func (p *Plugin) writeLine(key, stream string, v any) {
	fileKey := key + "|" + stream
	sf := p.files[fileKey]
	if sf == nil {
		var err error
		sf, err = p.openFile(key, stream)
		if err != nil {
			p.log.Error().Err(err).Str("room", key).Msg("open save file")
			return
		}
		p.files[fileKey] = sf
	}

	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("room", key).Msg("marshal save line")
		return
	}
	n, err := sf.writer.Write(data)
	sf.written += int64(n)
	if err == nil {
		err = sf.writer.WriteByte('\n')
		sf.written++
	}
	if err != nil {
		p.log.Error().Err(err).Str("file", sf.final).Msg("write save line")
		return
	}
	sf.lines++
	if sf.lines >= p.opts.BufferLines {
		if err := sf.writer.Flush(); err != nil {
			p.log.Error().Err(err).Str("file", sf.final).Msg("flush save file")
		}
		sf.lines = 0
	}
}

// openFile creates `{platform}_{roomId}-{yyyymmdd_hhmmss}{letter}` with
// a .part suffix until finished. Caller holds p.mu.
func (p *Plugin) openFile(key, stream string) (*streamFile, error) {
	letter := p.letters[key]
	if letter == "" {
		letter = letterOff
	}
	platform, id, _ := room.SplitKey(key)

	ext := ".jsonl"
	if stream == streamRaw {
		ext = ".raw.jsonl"
	}
	name := fmt.Sprintf("%s_%s-%s%s%s",
		platform, id, time.Now().UTC().Format("20060102_150405"), letter, ext)
	final := filepath.Join(p.dir, name)

	file, err := os.Create(final + partSuffix)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	p.log.Info().Str("file", name).Msg("save file opened")
	return &streamFile{
		file:    file,
		writer:  bufio.NewWriter(file),
		path:    final + partSuffix,
		final:   final,
		created: time.Now(),
	}, nil
}

// finishFile flushes, strips the .part suffix and announces the file.
// Caller holds p.mu.
func (p *Plugin) finishFile(fileKey string) {
	sf := p.files[fileKey]
	if sf == nil {
		return
	}
	delete(p.files, fileKey)

	if err := sf.writer.Flush(); err != nil {
		p.log.Error().Err(err).Str("file", sf.final).Msg("flush save file")
	}
	if err := sf.file.Close(); err != nil {
		p.log.Error().Err(err).Str("file", sf.final).Msg("close save file")
	}

	// An empty file carries nothing worth shipping.
	if sf.written == 0 {
		_ = os.Remove(sf.path)
		return
	}
	if err := os.Rename(sf.path, sf.final); err != nil {
		p.log.Error().Err(err).Str("file", sf.final).Msg("finalize save file")
		return
	}
	select {
	case p.completed <- sf.final:
	default:
		p.log.Warn().Str("file", sf.final).Msg("completed queue full")
	}
}

func (p *Plugin) rotateLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkRotation()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Plugin) checkRotation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sf := range p.files {
		aged := p.opts.RotateAfter > 0 && time.Since(sf.created) >= p.opts.RotateAfter
		grown := p.opts.RotateBytes > 0 && sf.written >= p.opts.RotateBytes
		if aged || grown {
			p.finishFile(key)
		}
	}
}

func (p *Plugin) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.files {
		p.finishFile(key)
	}
}
