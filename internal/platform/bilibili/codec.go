package bilibili

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/john/livefeed/internal/transport"
)

// Danmaku packet operations.
const (
	opHeartbeat    = 2
	opHeartbeatAck = 3
	opNotification = 5
	opEnter        = 7
	opEnterAck     = 8
)

// Packet versions. Version 2 bodies are zlib bundles of further packets.
const (
	versionPlain  = 0
	versionOnline = 1
	versionZlib   = 2
)

const headerLen = 16

// Frame names for packets that carry no cmd field.
const (
	frameConnectSuccess = "CONNECT_SUCCESS"
	frameHeartbeatAck   = "HEARTBEAT_ACK"
)

// enterPayload is the op 7 body.
type enterPayload struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Buvid    string `json:"buvid"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key"`
}

// codec implements transport.Codec for the danmaku stream: 16-byte
// big-endian header {packLen u32, headerLen u16, version u16, op u32,
// seq u32} followed by the body.
type codec struct {
	roomID int64
	tokens ConnectTokens
}

func encodePacket(version uint16, op uint32, body []byte) []byte {
	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerLen+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], headerLen)
	binary.BigEndian.PutUint16(buf[6:8], version)
	binary.BigEndian.PutUint32(buf[8:12], op)
	binary.BigEndian.PutUint32(buf[12:16], 1)
	copy(buf[headerLen:], body)
	return buf
}

func (c *codec) EnterFrame() ([]byte, error) {
	body, err := json.Marshal(enterPayload{
		UID:      c.tokens.UID,
		RoomID:   c.roomID,
		ProtoVer: 2,
		Buvid:    c.tokens.Buvid,
		Platform: "web",
		Type:     2,
		Key:      c.tokens.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("encode enter packet: %w", err)
	}
	return encodePacket(versionPlain, opEnter, body), nil
}

func (c *codec) Heartbeat() []byte {
	return encodePacket(versionPlain, opHeartbeat, nil)
}

func (c *codec) HeartbeatInterval() time.Duration { return 30 * time.Second }

// Decode splits one websocket message into frames. A message may hold
// several packets back to back, and version 2 packets hold a compressed
// bundle of further packets.
func (c *codec) Decode(data []byte) ([]transport.Frame, error) {
	var frames []transport.Frame
	if err := c.decodeInto(data, &frames); err != nil {
		return nil, err
	}
	return frames, nil
}

func (c *codec) decodeInto(data []byte, frames *[]transport.Frame) error {
	for len(data) > 0 {
		if len(data) < headerLen {
			return fmt.Errorf("danmaku packet: %d bytes, want at least %d", len(data), headerLen)
		}
		packLen := binary.BigEndian.Uint32(data[0:4])
		version := binary.BigEndian.Uint16(data[6:8])
		op := binary.BigEndian.Uint32(data[8:12])
		if packLen < headerLen || int(packLen) > len(data) {
			return fmt.Errorf("danmaku packet: length %d out of range", packLen)
		}
		body := data[headerLen:packLen]
		data = data[packLen:]

		if version == versionZlib {
			inflated, err := inflate(body)
			if err != nil {
				return fmt.Errorf("danmaku bundle: %w", err)
			}
			if err := c.decodeInto(inflated, frames); err != nil {
				return err
			}
			continue
		}

		switch op {
		case opEnterAck:
			*frames = append(*frames, transport.Frame{Name: frameConnectSuccess, Raw: body})
		case opHeartbeatAck:
			if len(body) >= 4 {
				online := binary.BigEndian.Uint32(body[0:4])
				*frames = append(*frames, transport.Frame{Name: frameHeartbeatAck, Data: int64(online), Raw: body})
			}
		case opNotification:
			var probe struct {
				Cmd string `json:"cmd"`
			}
			if err := json.Unmarshal(body, &probe); err != nil || probe.Cmd == "" {
				// Not every notification is JSON with a cmd; skip quietly.
				continue
			}
			raw := make(json.RawMessage, len(body))
			copy(raw, body)
			*frames = append(*frames, transport.Frame{Name: probe.Cmd, Data: raw, Raw: body})
		}
	}
	return nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
