package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/vpsdeck/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "vpsdeck.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndHistoryPreserveOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "uptime?", Status: chat.StatusFailed},
		{ID: "u2", Role: chat.RoleUser, Content: "df -h", Status: chat.StatusDelivered},
		{ID: "a2", Role: chat.RoleAssistant, Content: "40% used", Status: chat.StatusComplete},
	}
	for _, m := range msgs {
		if err := s.RecordMessage(ctx, "conv-1", "ctr-1", m); err != nil {
			t.Fatalf("RecordMessage(%s): %v", m.ID, err)
		}
	}
	// A regenerate later delivers u1; it must keep its slot.
	msgs[0].Status = chat.StatusDelivered
	if err := s.RecordMessage(ctx, "conv-1", "ctr-1", msgs[0]); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	got, err := s.History(ctx, "conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"u1", "u2", "a2"} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
	if got[0].Status != chat.StatusDelivered {
		t.Errorf("u1 status = %s, want delivered", got[0].Status)
	}
}

func TestGetAndListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.GetConversation(ctx, "missing")
	if err != nil || conv != nil {
		t.Fatalf("GetConversation(missing) = %v, %v", conv, err)
	}

	_ = s.RecordMessage(ctx, "conv-1", "ctr-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "a"})
	_ = s.RecordMessage(ctx, "conv-1", "ctr-1", chat.Message{ID: "m2", Role: chat.RoleAssistant, Content: "b"})
	_ = s.RecordMessage(ctx, "conv-2", "ctr-2", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "c"})

	conv, err = s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.ContainerID != "ctr-1" || conv.MessageCount != 2 {
		t.Errorf("conversation = %+v", conv)
	}

	all, err := s.ListConversations(ctx, "")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
	byContainer, err := s.ListConversations(ctx, "ctr-2")
	if err != nil {
		t.Fatalf("ListConversations(ctr-2): %v", err)
	}
	if len(byContainer) != 1 || byContainer[0].ID != "conv-2" {
		t.Errorf("byContainer = %+v", byContainer)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.RecordMessage(ctx, "conv-1", "ctr-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "a"})
	if err := s.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	got, err := s.History(ctx, "conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("messages survived delete: %+v", got)
	}
}

func TestDeleteStaleConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base.Add(-48 * time.Hour) }
	_ = s.RecordMessage(ctx, "old", "ctr-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "a"})
	s.now = func() time.Time { return base }
	_ = s.RecordMessage(ctx, "fresh", "ctr-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "b"})

	deleted, err := s.DeleteStaleConversations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteStaleConversations: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if conv, _ := s.GetConversation(ctx, "fresh"); conv == nil {
		t.Error("fresh conversation was removed")
	}
}

func TestRetentionWorkerSweepsOnStart(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.now = func() time.Time { return time.Now().Add(-72 * time.Hour) }
	_ = s.RecordMessage(ctx, "old", "ctr-1", chat.Message{ID: "m1", Role: chat.RoleUser, Content: "a"})
	s.now = time.Now

	evicted := make(chan int64, 1)
	StartRetentionWorker(ctx, s, 24*time.Hour, func(n int64) { evicted <- n })

	select {
	case n := <-evicted:
		if n != 1 {
			t.Errorf("evicted = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retention worker did not sweep")
	}
}
