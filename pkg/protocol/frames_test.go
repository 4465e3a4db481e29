package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame_Message(t *testing.T) {
	data := []byte(`{"type":"message","message":{"receiver":"u-2","content":"hi"}}`)
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	mf, ok := f.(MessageFrame)
	if !ok {
		t.Fatalf("expected MessageFrame, got %T", f)
	}
	if mf.Message.Receiver != "u-2" {
		t.Errorf("receiver = %q, want %q", mf.Message.Receiver, "u-2")
	}
	if mf.Message.Content != "hi" {
		t.Errorf("content = %q, want %q", mf.Message.Content, "hi")
	}
}

func TestDecodeFrame_ReadReceipt(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"read_receipt","messageId":"m-1"}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	rf, ok := f.(ReadReceiptFrame)
	if !ok {
		t.Fatalf("expected ReadReceiptFrame, got %T", f)
	}
	if rf.MessageID != "m-1" {
		t.Errorf("messageId = %q, want %q", rf.MessageID, "m-1")
	}
}

func TestDecodeFrame_Typing(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"typing","recipient":"u-9"}`))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	tf, ok := f.(TypingFrame)
	if !ok {
		t.Fatalf("expected TypingFrame, got %T", f)
	}
	if tf.Recipient != "u-9" {
		t.Errorf("recipient = %q, want %q", tf.Recipient, "u-9")
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"bad json", `{`, ErrMalformedFrame},
		{"missing type", `{"message":{"content":"x"}}`, ErrMalformedFrame},
		{"unknown type", `{"type":"presence"}`, ErrUnknownFrameType},
		{"message without payload", `{"type":"message"}`, ErrMalformedFrame},
		{"read_receipt without messageId", `{"type":"read_receipt"}`, ErrMalformedFrame},
		{"typing without recipient", `{"type":"typing"}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.data))
			if f != nil {
				t.Errorf("expected nil frame, got %#v", f)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeFrame_Idempotent(t *testing.T) {
	// Decoding the same malformed frame twice yields the same outcome.
	data := []byte(`{"type":"bogus"}`)
	_, err1 := DecodeFrame(data)
	_, err2 := DecodeFrame(data)
	if !errors.Is(err1, ErrUnknownFrameType) || !errors.Is(err2, ErrUnknownFrameType) {
		t.Errorf("errors = %v, %v; want both ErrUnknownFrameType", err1, err2)
	}
}

func TestEncodeMessage_Shape(t *testing.T) {
	data, err := EncodeMessage(ChatMessage{
		ID:          "m-1",
		Sender:      "u-1",
		SenderModel: RoleAlumni,
		Receiver:    "u-2",
		Content:     "hello",
	})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	var env struct {
		Type    string      `json:"type"`
		Message ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeMessage {
		t.Errorf("type = %q, want %q", env.Type, TypeMessage)
	}
	if env.Message.SenderModel != RoleAlumni {
		t.Errorf("senderModel = %q, want %q", env.Message.SenderModel, RoleAlumni)
	}
}

func TestEncodeReadReceipt_Shape(t *testing.T) {
	data, err := EncodeReadReceipt("m-7", "u-3")
	if err != nil {
		t.Fatalf("EncodeReadReceipt: %v", err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != TypeReadReceipt || env["messageId"] != "m-7" || env["readerId"] != "u-3" {
		t.Errorf("unexpected frame: %v", env)
	}
}

func TestEncodeTyping_Shape(t *testing.T) {
	data, err := EncodeTyping("u-1", "Ada Lovelace")
	if err != nil {
		t.Fatalf("EncodeTyping: %v", err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["senderId"] != "u-1" || env["senderName"] != "Ada Lovelace" {
		t.Errorf("unexpected frame: %v", env)
	}
}

func TestEncodeConnectionEstablished_Shape(t *testing.T) {
	data, err := EncodeConnectionEstablished("connected")
	if err != nil {
		t.Fatalf("EncodeConnectionEstablished: %v", err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["type"] != TypeConnectionEstablished || env["message"] != "connected" {
		t.Errorf("unexpected frame: %v", env)
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"Student", "Alumni"} {
		if _, err := ParseRole(s); err != nil {
			t.Errorf("ParseRole(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", "student", "Admin", "alumni"} {
		if _, err := ParseRole(s); err == nil {
			t.Errorf("ParseRole(%q): expected error", s)
		}
	}
}
