package rpc

import (
	"encoding/json"
	"testing"
)

func TestMessageClassification(t *testing.T) {
	req := &Message{Method: "ping", ID: json.RawMessage("1")}
	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Errorf("request misclassified: %+v", req)
	}

	notif := &Message{Method: "codexd/event"}
	if !notif.IsNotification() || notif.IsRequest() || notif.IsResponse() {
		t.Errorf("notification misclassified: %+v", notif)
	}

	resp := &Message{ID: json.RawMessage("1"), Result: json.RawMessage(`"pong"`)}
	if !resp.IsResponse() || resp.IsRequest() || resp.IsNotification() {
		t.Errorf("response misclassified: %+v", resp)
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(json.RawMessage("7"), CodeServerError, "unknown method `foo`")
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("expected -32000 error, got %+v", resp.Error)
	}
	if resp.Error.Error() != "jsonrpc error -32000: unknown method `foo`" {
		t.Errorf("unexpected Error() text: %q", resp.Error.Error())
	}
}

func TestNewResultMarshalsResult(t *testing.T) {
	resp, err := NewResult(json.RawMessage("3"), map[string]int{"seq": 4})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	var decoded struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(resp.Result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded.Seq != 4 {
		t.Errorf("Seq = %d, want 4", decoded.Seq)
	}
}
