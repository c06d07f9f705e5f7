package bilibili

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func testCodec() *codec {
	return &codec{
		roomID: 92613,
		tokens: ConnectTokens{UID: 7, Buvid: "XYAAAA", Key: "danmu-key"},
	}
}

func TestEnterFrame(t *testing.T) {
	frame, err := testCodec().EnterFrame()
	if err != nil {
		t.Fatalf("enter frame: %v", err)
	}

	if got := binary.BigEndian.Uint32(frame[0:4]); got != uint32(len(frame)) {
		t.Errorf("packet length field = %d, want %d", got, len(frame))
	}
	if got := binary.BigEndian.Uint16(frame[4:6]); got != headerLen {
		t.Errorf("header length field = %d, want %d", got, headerLen)
	}
	if got := binary.BigEndian.Uint32(frame[8:12]); got != opEnter {
		t.Errorf("op = %d, want %d", got, opEnter)
	}

	var payload enterPayload
	if err := json.Unmarshal(frame[headerLen:], &payload); err != nil {
		t.Fatalf("decode enter payload: %v", err)
	}
	if payload.RoomID != 92613 || payload.UID != 7 || payload.Key != "danmu-key" {
		t.Errorf("enter payload = %+v", payload)
	}
	if payload.ProtoVer != 2 || payload.Platform != "web" {
		t.Errorf("enter payload constants = %+v", payload)
	}
}

func TestDecodeNotification(t *testing.T) {
	body := []byte(`{"cmd":"DANMU_MSG","info":[]}`)
	frames, err := testCodec().Decode(encodePacket(versionPlain, opNotification, body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].Name != "DANMU_MSG" {
		t.Errorf("frame name = %q", frames[0].Name)
	}
	if _, ok := frames[0].Data.(json.RawMessage); !ok {
		t.Errorf("frame data = %T, want json.RawMessage", frames[0].Data)
	}
}

func TestDecodeEnterAck(t *testing.T) {
	frames, err := testCodec().Decode(encodePacket(versionPlain, opEnterAck, []byte(`{"code":0}`)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 1 || frames[0].Name != frameConnectSuccess {
		t.Errorf("frames = %+v, want connect success", frames)
	}
}

func TestDecodeHeartbeatAck(t *testing.T) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 3517)
	frames, err := testCodec().Decode(encodePacket(versionOnline, opHeartbeatAck, body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 1 || frames[0].Name != frameHeartbeatAck {
		t.Fatalf("frames = %+v", frames)
	}
	if got := frames[0].Data.(int64); got != 3517 {
		t.Errorf("online count = %d, want 3517", got)
	}
}

func TestDecodeZlibBundle(t *testing.T) {
	inner := append(
		encodePacket(versionPlain, opNotification, []byte(`{"cmd":"WATCHED_CHANGE","data":{"num":10}}`)),
		encodePacket(versionPlain, opNotification, []byte(`{"cmd":"LIKE_INFO_V3_UPDATE","data":{"click_count":3}}`))...,
	)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(inner); err != nil {
		t.Fatalf("compress: %v", err)
	}
	w.Close()

	frames, err := testCodec().Decode(encodePacket(versionZlib, opNotification, buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].Name != "WATCHED_CHANGE" || frames[1].Name != "LIKE_INFO_V3_UPDATE" {
		t.Errorf("frame order = %q, %q", frames[0].Name, frames[1].Name)
	}
}

func TestDecodeTruncatedPacket(t *testing.T) {
	if _, err := testCodec().Decode([]byte{0, 0, 0}); err == nil {
		t.Error("expected error for truncated packet")
	}

	bad := encodePacket(versionPlain, opNotification, []byte(`{}`))
	binary.BigEndian.PutUint32(bad[0:4], 9999)
	if _, err := testCodec().Decode(bad); err == nil {
		t.Error("expected error for out-of-range length")
	}
}

func TestDecodeNonCmdNotificationSkipped(t *testing.T) {
	frames, err := testCodec().Decode(encodePacket(versionPlain, opNotification, []byte(`"plain string"`)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %d, want 0", len(frames))
	}
}
