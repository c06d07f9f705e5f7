package acfun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/john/livefeed/internal/transport"
)

const danmakuURL = "wss://klink-newproduct-ws3.kwaizt.com/"

// Top-level message types of the signal stream.
const (
	msgEnterRoomAck  = "ZtLiveScEnterRoomAck"
	msgActionSignal  = "ZtLiveScActionSignal"
	msgStateSignal   = "ZtLiveScStateSignal"
	msgStatusChanged = "ZtLiveScStatusChanged"
	msgHeartbeatAck  = "ZtLiveCsHeartbeatAck"
)

// envelope is one downstream websocket message.
type envelope struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload"`
}

// signalItem is one signal inside an action or state batch.
type signalItem struct {
	SignalType string          `json:"signalType"`
	Payload    json.RawMessage `json:"payload"`
}

// codec frames the acfun signal stream for one live session.
type codec struct {
	tokens ConnectTokens
}

func (c *codec) EnterFrame() ([]byte, error) {
	enter := struct {
		MessageType string `json:"messageType"`
		Payload     struct {
			LiveID          string   `json:"liveId"`
			EnterRoomAttach string   `json:"enterRoomAttach"`
			Tickets         []string `json:"availableTickets"`
			UserID          int64    `json:"userId"`
			DID             string   `json:"did"`
			ServiceToken    string   `json:"serviceToken"`
		} `json:"payload"`
	}{MessageType: "ZtLiveCsEnterRoom"}
	enter.Payload.LiveID = c.tokens.LiveID
	enter.Payload.EnterRoomAttach = c.tokens.EnterRoomAttach
	enter.Payload.Tickets = c.tokens.AvailableTickets
	enter.Payload.UserID = c.tokens.UserID
	enter.Payload.DID = c.tokens.DID
	enter.Payload.ServiceToken = c.tokens.ST
	return json.Marshal(enter)
}

func (c *codec) Heartbeat() []byte {
	return []byte(`{"messageType":"ZtLiveCsHeartbeat"}`)
}

func (c *codec) HeartbeatInterval() time.Duration { return 10 * time.Second }

// Decode flattens one downstream message into frames. Signal batches
// yield one frame per signal, named by its signal type; batch order is
// preserved.
func (c *codec) Decode(data []byte) ([]transport.Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.MessageType {
	case msgEnterRoomAck:
		return []transport.Frame{{Name: msgEnterRoomAck, Data: env.Payload, Raw: data}}, nil
	case msgStatusChanged:
		return []transport.Frame{{Name: msgStatusChanged, Data: env.Payload, Raw: data}}, nil
	case msgActionSignal, msgStateSignal:
		var batch struct {
			Signals []signalItem `json:"signals"`
		}
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			return nil, fmt.Errorf("decode %s batch: %w", env.MessageType, err)
		}
		frames := make([]transport.Frame, 0, len(batch.Signals))
		for _, s := range batch.Signals {
			frames = append(frames, transport.Frame{Name: s.SignalType, Data: s.Payload, Raw: data})
		}
		return frames, nil
	case msgHeartbeatAck, "":
		return nil, nil
	default:
		return []transport.Frame{{Name: env.MessageType, Data: env.Payload, Raw: data}}, nil
	}
}
