// Package room implements the per-room connection lifecycle: credential
// and token acquisition, transport session management, seamless
// reconnection and the room's event stream. Platform specifics live behind
// the Adapter interface supplied by the platform packages.
package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/livefeed/internal/bus"
	"github.com/john/livefeed/internal/message"
	"github.com/john/livefeed/internal/transport"
)

// OpenStatus is the room's intent: is it supposed to be receiving events.
type OpenStatus int

const (
	OpenClosed OpenStatus = iota
	OpenOpening
	OpenOpened
)

// ConnectionStatus is the observed transport state, independent of intent.
type ConnectionStatus int

const (
	ConnOff ConnectionStatus = iota
	ConnConnecting
	ConnConnected
	ConnEntered
	ConnDisconnected
)

// Stats are the room's last-known counters.
type Stats struct {
	View   int64 `json:"view,omitempty"`
	Like   int64 `json:"like,omitempty"`
	Online int64 `json:"online,omitempty"`
}

// Data is the room's public snapshot.
type Data struct {
	Platform  string             `json:"platform"`
	ID        string             `json:"id"`
	Key       string             `json:"key"`
	LiveID    string             `json:"liveId,omitempty"`
	Available bool               `json:"available"`
	Status    message.LiveStatus `json:"status"`
	Timestamp int64              `json:"timestamp,omitempty"`
	Detail    message.DetailInfo `json:"detail"`
	Stats     Stats              `json:"stats"`
	Anchor    message.UserInfo   `json:"anchor"`

	OpenStatus       OpenStatus       `json:"openStatus"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
}

// Key builds the stable room key.
func Key(platform, id string) string { return platform + ":" + id }

// SplitKey is the inverse of Key.
func SplitKey(key string) (platform, id string, ok bool) {
	platform, id, ok = strings.Cut(key, ":")
	return platform, id, ok
}

// Adapter supplies the platform-specific half of a room. One adapter
// instance serves exactly one room.
type Adapter interface {
	Platform() string
	// FetchData returns current metadata and availability. A room whose
	// live-session availability cannot be determined reports
	// Available=false rather than an error.
	FetchData(ctx context.Context) (*Data, error)
	// FetchTokens derives connection tokens from the credential string.
	FetchTokens(ctx context.Context, credentials string) (any, error)
	// NormalizeCredentials fills platform-required base fields (such as a
	// synthesized device id) before the credential string is stored.
	NormalizeCredentials(ctx context.Context, credentials string) (string, error)
	// NewTransport creates an unopened transport client for the given
	// tokens, delivering session events to h.
	NewTransport(tokens any, data *Data, h transport.Handlers) (transport.Client, error)
	// HandleFrame normalizes one frame against the room snapshot. msg is
	// nil for frames with no canonical meaning; entered reports the
	// platform-level joined-room ack.
	HandleFrame(f transport.Frame, snap *Data) (msg *message.Message, entered bool)
}

// Options configure a new room.
type Options struct {
	// Open the room immediately after Init.
	Open bool
	// AutoReconnect re-establishes the session after a transport drop.
	AutoReconnect bool
	// Credentials is the serialized credential string; empty means a
	// guest identity is synthesized by the adapter.
	Credentials string
	// Tokens, when set, skips the initial token fetch.
	Tokens any
	// Data, when set, skips the initial metadata fetch.
	Data *Data
	// ConnectInterval is the minimum spacing between connection attempts.
	ConnectInterval time.Duration
	// ConnectTimeout bounds each metadata/token fetch and dial.
	ConnectTimeout time.Duration
}

// RawEvent is the untransformed transport frame, published for archival.
type RawEvent struct {
	Platform string `json:"platform"`
	RoomID   string `json:"roomId"`
	Name     string `json:"name"`
	Data     any    `json:"data"`
}

// InfoError reports a failed background fetch. Surfaced as an "info_error"
// event, never as an error to the caller of the originating lifecycle
// operation.
type InfoError struct {
	Op  string
	Err error
}

// session pairs one transport client with its cancellation handle. All
// handler callbacks of the client are guarded by ctx, so discarding the
// session revokes every listener in one step.
type session struct {
	client transport.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Room is one tracked broadcast channel on one platform.
type Room struct {
	adapter Adapter
	log     zerolog.Logger
	events  *bus.Emitter

	connectInterval time.Duration
	connectTimeout  time.Duration
	initOpts        Options

	mu            sync.Mutex
	data          Data
	credentials   string
	tokens        any
	autoReconnect bool
	sess          *session
	reconnecting  bool
	lastConnect   time.Time
	retryTimer    *time.Timer
}

// New creates a room. Call Init to acquire credentials, tokens and
// metadata; the returned room is in the closed state.
func New(adapter Adapter, id string, log zerolog.Logger, opts Options) *Room {
	if opts.ConnectInterval <= 0 {
		opts.ConnectInterval = 500 * time.Millisecond
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 45 * time.Second
	}
	platform := adapter.Platform()
	r := &Room{
		adapter:         adapter,
		log:             log.With().Str("room", Key(platform, id)).Logger(),
		events:          bus.NewEmitter(log),
		connectInterval: opts.ConnectInterval,
		connectTimeout:  opts.ConnectTimeout,
		initOpts:        opts,
		credentials:     opts.Credentials,
		tokens:          opts.Tokens,
		autoReconnect:   opts.AutoReconnect,
		data: Data{
			Platform: platform,
			ID:       id,
			Key:      Key(platform, id),
		},
	}
	if opts.Data != nil {
		r.applyData(opts.Data)
	}
	return r
}

// Events returns the room's emitter. Event names: connecting, connected,
// enter, disconnect, open, close, update, status, message, raw,
// info_error.
func (r *Room) Events() *bus.Emitter { return r.events }

// Key returns the stable "{platform}:{id}" key.
func (r *Room) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Key
}

// Data returns a snapshot of the room's public state.
func (r *Room) Data() Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.data
	d.Detail.Area = append([]string(nil), r.data.Detail.Area...)
	return d
}

// Credentials returns the stored credential string.
func (r *Room) Credentials() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credentials
}

// Init prepares the room: credentials are normalized (synthesizing a guest
// identity when absent), tokens are derived and metadata is fetched, each
// unless pre-supplied through Options. Fetch failures surface as
// info_error events, not as errors; a failed room simply stays
// unavailable.
func (r *Room) Init(ctx context.Context) {
	r.SetCredentials(ctx, r.Credentials(), r.initOpts.Tokens == nil)

	if r.initOpts.Data == nil {
		if err := r.Update(ctx); err != nil {
			r.infoError("update", err)
		}
	}

	if r.initOpts.Open {
		r.Open(ctx)
	}
}

// Open starts the room. No-op unless the room is currently closed, so
// concurrent callers collapse to a single metadata fetch and a single
// transport client. A room whose live session is unavailable drops back to
// closed without connecting.
func (r *Room) Open(ctx context.Context) {
	r.mu.Lock()
	if r.data.OpenStatus != OpenClosed {
		r.mu.Unlock()
		return
	}
	r.data.OpenStatus = OpenOpening
	r.mu.Unlock()

	if err := r.Update(ctx); err != nil {
		r.infoError("update", err)
	}

	r.mu.Lock()
	if !r.data.Available {
		r.data.OpenStatus = OpenClosed
		r.mu.Unlock()
		r.log.Debug().Msg("room not available, staying closed")
		return
	}
	r.data.OpenStatus = OpenOpened
	r.mu.Unlock()

	r.events.Emit("open", r.Data())
	if err := r.startSession(ctx, nil); err != nil {
		r.failSession(ctx, err)
	}
}

// Update re-fetches room metadata. Always safe to call, in any state. The
// error is returned for direct callers; lifecycle paths report it as an
// info_error event instead.
func (r *Room) Update(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	data, err := r.adapter.FetchData(fetchCtx)
	if err != nil {
		return fmt.Errorf("fetch room data: %w", err)
	}

	r.mu.Lock()
	r.applyData(data)
	r.mu.Unlock()

	r.events.Emit("update", r.Data())
	return nil
}

// applyData merges fetched metadata. Caller holds r.mu (or owns r
// exclusively during New).
func (r *Room) applyData(d *Data) {
	if d.ID != "" {
		r.data.ID = d.ID
		r.data.Key = Key(r.data.Platform, d.ID)
	}
	r.data.LiveID = d.LiveID
	r.data.Available = d.Available
	r.data.Status = d.Status
	r.data.Timestamp = d.Timestamp
	r.data.Detail = d.Detail
	r.data.Stats = d.Stats
	r.data.Anchor = d.Anchor
}

// SetCredentials replaces the stored credential string. The adapter fills
// missing platform-required base fields first. Unless updateTokens is
// false, fresh connection tokens are derived immediately.
func (r *Room) SetCredentials(ctx context.Context, credentials string, updateTokens bool) {
	normCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	normalized, err := r.adapter.NormalizeCredentials(normCtx, credentials)
	cancel()
	if err != nil {
		r.infoError("normalize credentials", err)
		normalized = credentials
	}

	r.mu.Lock()
	r.credentials = normalized
	r.mu.Unlock()

	if updateTokens {
		r.UpdateTokens(ctx)
	}
}

// UpdateTokens derives fresh connection tokens from the stored
// credentials. Failures surface as info_error events.
func (r *Room) UpdateTokens(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	tokens, err := r.adapter.FetchTokens(fetchCtx, r.Credentials())
	if err != nil {
		r.infoError("fetch tokens", err)
		return
	}
	r.SetTokens(ctx, tokens)
}

// SetTokens replaces the connection tokens. An open room reconnects so the
// live session picks them up.
func (r *Room) SetTokens(ctx context.Context, tokens any) {
	r.mu.Lock()
	r.tokens = tokens
	opened := r.data.OpenStatus == OpenOpened
	r.mu.Unlock()

	if opened {
		r.Reconnect(ctx)
	}
}

// Reconnect performs a seamless handover: a new transport client is
// created and connected before the old one is torn down, so the handover
// itself never opens a gap in the message stream. Concurrent reconnect
// requests collapse to one. When the replacement fails to connect, the
// displaced session is kept as the current one.
func (r *Room) Reconnect(ctx context.Context) {
	r.mu.Lock()
	if r.reconnecting || r.data.OpenStatus != OpenOpened {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	last := r.sess
	prevConn := r.data.ConnectionStatus
	r.mu.Unlock()

	err := r.startSession(ctx, func() {
		// The replacement session reached connected: now the displaced
		// client's listeners are revoked and the client closed.
		if last != nil {
			last.cancel()
			last.client.Close()
		}
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	})
	if err == nil {
		return
	}
	if last == nil || last.ctx.Err() != nil {
		r.failSession(ctx, err)
		return
	}

	// Failed handover. The displaced session never lost its connection,
	// so it stays current unless the room closed in the meantime.
	r.mu.Lock()
	keep := r.data.OpenStatus == OpenOpened
	if keep {
		r.sess = last
	}
	r.reconnecting = false
	r.mu.Unlock()
	if !keep {
		last.cancel()
		last.client.Close()
		return
	}
	r.log.Warn().Err(err).Msg("reconnect failed, keeping current session")
	r.setConnection(prevConn)
}

// Close stops the room. No-op when already closed; otherwise the transport
// is torn down, pending reconnects are canceled, and exactly one close
// event is emitted.
func (r *Room) Close() {
	r.mu.Lock()
	if r.data.OpenStatus == OpenClosed {
		r.mu.Unlock()
		return
	}
	r.data.OpenStatus = OpenClosed
	r.data.ConnectionStatus = ConnOff
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	sess := r.sess
	r.sess = nil
	r.reconnecting = false
	r.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.client.Close()
	}
	r.events.Emit("close", r.Data())
}

// startSession creates and opens a transport client. onConnected, when
// set, runs once after the session handshake completes (the reconnect
// handover point). A non-nil return means no session was installed; the
// caller decides what the failure costs.
func (r *Room) startSession(ctx context.Context, onConnected func()) error {
	r.setConnection(ConnConnecting)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: sessCtx, cancel: cancel}

	handlers := transport.Handlers{
		OnOpen: func() {
			if sess.ctx.Err() != nil {
				return
			}
			if r.opened() {
				r.setConnection(ConnConnected)
			}
			if onConnected != nil {
				onConnected()
			}
		},
		OnClose: func(err error) {
			if sess.ctx.Err() != nil {
				return
			}
			r.sessionLost(ctx, sess, err)
		},
		OnFrame: func(f transport.Frame) {
			if sess.ctx.Err() != nil {
				return
			}
			r.onFrame(f)
		},
	}

	snap := r.Data()
	r.mu.Lock()
	tokens := r.tokens
	r.mu.Unlock()

	client, err := r.adapter.NewTransport(tokens, &snap, handlers)
	if err != nil {
		cancel()
		r.infoError("create transport", err)
		return err
	}
	sess.client = client

	r.mu.Lock()
	r.sess = sess
	r.lastConnect = time.Now()
	r.mu.Unlock()

	openCtx, openCancel := context.WithTimeout(ctx, r.connectTimeout)
	defer openCancel()
	if err := client.Open(openCtx); err != nil {
		cancel()
		r.mu.Lock()
		if r.sess == sess {
			r.sess = nil
		}
		r.mu.Unlock()
		r.infoError("open transport", err)
		return err
	}
	return nil
}

// failSession marks a failed connection attempt and feeds auto-reconnect.
func (r *Room) failSession(ctx context.Context, err error) {
	r.mu.Lock()
	r.reconnecting = false
	r.mu.Unlock()
	r.sessionLost(ctx, nil, err)
}

// sessionLost reacts to an unplanned transport close. sess, when set, is
// the session that died: it is detached and torn down so a later
// reconnect never mistakes it for a live one.
func (r *Room) sessionLost(ctx context.Context, sess *session, err error) {
	if sess != nil {
		r.mu.Lock()
		if r.sess == sess {
			r.sess = nil
		}
		r.mu.Unlock()
		sess.cancel()
		sess.client.Close()
	}

	if !r.opened() {
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("transport session lost")
	}
	r.setConnection(ConnDisconnected)

	r.mu.Lock()
	auto := r.autoReconnect && r.data.OpenStatus == OpenOpened
	delay := time.Until(r.lastConnect.Add(r.connectInterval))
	if auto {
		if r.retryTimer != nil {
			r.retryTimer.Stop()
		}
		if delay < 0 {
			delay = 0
		}
		r.retryTimer = time.AfterFunc(delay, func() {
			r.Reconnect(ctx)
		})
	}
	r.mu.Unlock()
}

// onFrame normalizes one inbound frame and republishes it. Frames without
// canonical meaning still flow to the raw stream.
func (r *Room) onFrame(f transport.Frame) {
	snap := r.Data()
	msg, entered := r.adapter.HandleFrame(f, &snap)
	if entered && r.opened() {
		r.setConnection(ConnEntered)
	}
	if msg != nil {
		r.applyMessage(msg)
		r.events.Emit("message", msg)
	}
	r.events.Emit("raw", RawEvent{
		Platform: snap.Platform,
		RoomID:   snap.ID,
		Name:     f.Name,
		Data:     f.Data,
	})
}

// applyMessage folds status and counter messages back into the room
// snapshot so Data stays current between metadata fetches.
func (r *Room) applyMessage(m *message.Message) {
	r.mu.Lock()
	changed := false
	switch info := m.Info.(type) {
	case *message.LiveStartInfo:
		r.data.Status = message.StatusLive
		r.data.LiveID = info.ID
		r.data.Timestamp = m.Timestamp
		changed = true
	case *message.LiveEndInfo:
		r.data.Status = info.Status
		changed = true
	case *message.LiveCutInfo:
		r.data.Status = message.StatusBanned
		changed = true
	case *message.DetailInfo:
		if info.Title != "" {
			r.data.Detail.Title = info.Title
		}
		if len(info.Area) > 0 {
			r.data.Detail.Area = info.Area
		}
	case *message.StatsInfo:
		if info.View != nil {
			r.data.Stats.View = *info.View
		}
		if info.Like != nil {
			r.data.Stats.Like = *info.Like
		}
		if info.Online != nil {
			r.data.Stats.Online = *info.Online
		}
	}
	r.mu.Unlock()

	if changed {
		r.events.Emit("status", r.Data())
	}
}

func (r *Room) opened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.OpenStatus == OpenOpened
}

// setConnection updates the observed transport state and emits the
// matching lifecycle event. ConnOff changes state silently.
func (r *Room) setConnection(status ConnectionStatus) {
	r.mu.Lock()
	r.data.ConnectionStatus = status
	r.mu.Unlock()

	switch status {
	case ConnConnecting:
		r.events.Emit("connecting", r.Data())
	case ConnConnected:
		r.events.Emit("connected", r.Data())
	case ConnEntered:
		r.events.Emit("enter", r.Data())
	case ConnDisconnected:
		r.events.Emit("disconnect", r.Data())
	}
}

func (r *Room) infoError(op string, err error) {
	r.log.Warn().Str("op", op).Err(err).Msg("room background fetch failed")
	r.events.Emit("info_error", InfoError{Op: op, Err: err})
}

// Client returns the currently attached transport client, nil when
// disconnected. Exposed for tests and diagnostics.
func (r *Room) Client() transport.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil
	}
	return r.sess.client
}
