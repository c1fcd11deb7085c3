package model

import (
	"encoding/json"
	"testing"
	"time"
)

// TestEnvelopeWireFormat 验证三种下行信封的字段与客户端约定一致。
func TestEnvelopeWireFormat(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	data, err := json.Marshal(InitialMessages(nil))
	if err != nil {
		t.Fatalf("marshal initial: %v", err)
	}
	if string(data) != `{"command":"initial-messages","messages":[]}` {
		t.Fatalf("unexpected initial envelope: %s", data)
	}

	created := Event{
		Seq:       1,
		Kind:      EventMessageCreated,
		Timestamp: ts,
		Message:   &Message{ID: 1, Text: "hi", Author: "a", Timestamp: ts},
	}
	var got map[string]any
	data, _ = json.Marshal(created.Envelope())
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, ok := got["message"].(map[string]any)
	if got["command"] != "new-message" || !ok || msg["username"] != "a" || msg["likes"] != float64(0) {
		t.Fatalf("unexpected new-message envelope: %s", data)
	}

	liked := Event{Seq: 2, Kind: EventLikeUpdated, Timestamp: ts, MessageID: 1, Likes: 1}
	got = nil
	data, _ = json.Marshal(liked.Envelope())
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["command"] != "like-update" || got["messageId"] != float64(1) || got["likes"] != float64(1) || got["id"] != float64(2) {
		t.Fatalf("unexpected like-update envelope: %s", data)
	}
}

// TestClientMessageAuthorName 验证 username 优先于 author。
func TestClientMessageAuthorName(t *testing.T) {
	if got := (ClientMessage{Username: "u", Author: "a"}).AuthorName(); got != "u" {
		t.Fatalf("expected username, got %q", got)
	}
	if got := (ClientMessage{Author: "a"}).AuthorName(); got != "a" {
		t.Fatalf("expected author fallback, got %q", got)
	}
}
