package twitch

import (
	"context"
	"fmt"
	"sync"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/john/livefeed/internal/transport"
)

// Frame names produced by the IRC session.
const (
	framePrivMsg    = "PRIVMSG"
	frameUserNotice = "USERNOTICE"
	frameClearChat  = "CLEARCHAT"
	frameRoomState  = "ROOMSTATE"
)

// ircClient adapts a go-twitch-irc session to the transport contract.
// One client joins exactly one channel.
type ircClient struct {
	channel string
	client  *irc.Client
	h       transport.Handlers

	mu     sync.Mutex
	closed bool
	opened bool
}

func newIRCClient(channel string, tokens ConnectTokens, h transport.Handlers) *ircClient {
	var client *irc.Client
	if tokens.Username == "" || tokens.Token == "" {
		client = irc.NewAnonymousClient()
	} else {
		client = irc.NewClient(tokens.Username, tokens.Token)
	}
	return &ircClient{channel: channel, client: client, h: h}
}

func (c *ircClient) emit(name string, data any, raw string) {
	c.mu.Lock()
	dead := c.closed
	c.mu.Unlock()
	if dead || c.h.OnFrame == nil {
		return
	}
	c.h.OnFrame(transport.Frame{Name: name, Data: data, Raw: []byte(raw)})
}

// Open connects to the IRC gateway and joins the channel. It returns
// once the connection handshake completed; the join ack arrives as a
// ROOMSTATE frame.
func (c *ircClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport client already closed")
	}
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("transport client already open")
	}
	c.mu.Unlock()

	connected := make(chan struct{})
	var once sync.Once
	c.client.OnConnect(func() {
		once.Do(func() { close(connected) })
	})
	c.client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		c.emit(framePrivMsg, msg, msg.Raw)
	})
	c.client.OnUserNoticeMessage(func(msg irc.UserNoticeMessage) {
		c.emit(frameUserNotice, msg, msg.Raw)
	})
	c.client.OnClearChatMessage(func(msg irc.ClearChatMessage) {
		c.emit(frameClearChat, msg, msg.Raw)
	})
	c.client.OnRoomStateMessage(func(msg irc.RoomStateMessage) {
		c.emit(frameRoomState, msg, msg.Raw)
	})
	c.client.Join(c.channel)

	errCh := make(chan error, 1)
	go func() {
		err := c.client.Connect()
		errCh <- err

		c.mu.Lock()
		report := c.opened && !c.closed
		c.mu.Unlock()
		if report && c.h.OnClose != nil {
			c.h.OnClose(err)
		}
	}()

	select {
	case <-connected:
		c.mu.Lock()
		c.opened = true
		c.mu.Unlock()
		if c.h.OnOpen != nil {
			c.h.OnOpen()
		}
		return nil
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("irc session ended before connect")
		}
		return fmt.Errorf("connect irc: %w", err)
	case <-ctx.Done():
		c.client.Disconnect()
		return ctx.Err()
	}
}

// Close terminates the session. Idempotent.
func (c *ircClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Disconnect()
}
