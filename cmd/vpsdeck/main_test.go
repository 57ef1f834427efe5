package main

import (
	"bytes"
	"testing"

	"github.com/ashureev/vpsdeck/internal/chat"
)

func TestReplyPrinterPrintsOnlyNewContent(t *testing.T) {
	var out bytes.Buffer
	p := newReplyPrinter(&out)

	p.handle(chat.Event{Kind: chat.EventMessage, Message: &chat.Message{ID: "u1", Role: chat.RoleUser, Content: "hi"}})
	p.handle(chat.Event{Kind: chat.EventMessage, Message: &chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: "He", Status: chat.StatusStreaming}})
	p.handle(chat.Event{Kind: chat.EventMessage, Message: &chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: "Hello", Status: chat.StatusComplete}})

	if got := out.String(); got != "assistant> Hello\n" {
		t.Errorf("output = %q", got)
	}
}
