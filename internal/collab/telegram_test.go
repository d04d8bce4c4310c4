package collab

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/pipelined/internal/queuestore"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func activePredicate(status string) bool {
	switch status {
	case "backlog", "impl":
		return true
	default:
		return false
	}
}

func priorityOf(status string) int {
	if status == "impl" {
		return 0
	}
	return 1
}

func openTestQueueStore(t *testing.T) *queuestore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := queuestore.Open(filepath.Join(dir, "pipeline.db"),
		queuestore.WithActivePredicate(activePredicate),
		queuestore.WithPriorityOf(priorityOf),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeSender records every Chattable sent through it, standing in for a
// live Telegram connection.
type fakeSender struct {
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func newTestTelegramChat(store *queuestore.Store, sender telegramSender) (*TelegramChat, *fakeSender) {
	fs, ok := sender.(*fakeSender)
	if !ok {
		fs = &fakeSender{}
	}
	return &TelegramChat{
		sender:      fs,
		store:       store,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxBacklog:  5,
		maxAttempts: 3,
	}, fs
}

func testMessage(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{Text: text, Chat: &tgbotapi.Chat{ID: chatID}}
}

func TestHandleMessageIgnoresUnregisteredChat(t *testing.T) {
	store := openTestQueueStore(t)
	chat, sender := newTestTelegramChat(store, nil)
	ctx := context.Background()

	chat.handleMessage(ctx, testMessage(999, "hello"))

	if len(sender.sent) != 0 {
		t.Fatalf("expected no replies for an unregistered chat, got %d", len(sender.sent))
	}
	count, err := store.GetActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("GetActiveTaskCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no task created, got %d active", count)
	}
}

func TestHandleMessageCreatesTaskWithoutTrigger(t *testing.T) {
	store := openTestQueueStore(t)
	ctx := context.Background()
	if err := store.UpsertRegisteredGroup(ctx, queuestore.RegisteredGroup{
		JID: "123", Name: "team", Folder: "/repo", RequiresTrigger: false,
	}); err != nil {
		t.Fatalf("UpsertRegisteredGroup: %v", err)
	}
	chat, sender := newTestTelegramChat(store, nil)

	chat.handleMessage(ctx, testMessage(123, "fix the flaky test"))

	count, err := store.GetActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("GetActiveTaskCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active task, got %d", count)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 confirmation reply, got %d", len(sender.sent))
	}
}

func TestHandleMessageRequiresTriggerPrefix(t *testing.T) {
	store := openTestQueueStore(t)
	ctx := context.Background()
	if err := store.UpsertRegisteredGroup(ctx, queuestore.RegisteredGroup{
		JID: "123", Name: "team", Folder: "/repo", Trigger: "!go", RequiresTrigger: true,
	}); err != nil {
		t.Fatalf("UpsertRegisteredGroup: %v", err)
	}
	chat, sender := newTestTelegramChat(store, nil)

	chat.handleMessage(ctx, testMessage(123, "just chatting, no trigger here"))
	if count, _ := store.GetActiveTaskCount(ctx); count != 0 {
		t.Fatalf("expected no task without trigger prefix, got %d", count)
	}

	chat.handleMessage(ctx, testMessage(123, "!go add a health endpoint"))
	count, err := store.GetActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("GetActiveTaskCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 task after trigger prefix, got %d", count)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 reply (trigger-gated), got %d", len(sender.sent))
	}
}

func TestHandleMessageDropsWhenBacklogFull(t *testing.T) {
	store := openTestQueueStore(t)
	ctx := context.Background()
	if err := store.UpsertRegisteredGroup(ctx, queuestore.RegisteredGroup{
		JID: "123", Name: "team", Folder: "/repo", RequiresTrigger: false,
	}); err != nil {
		t.Fatalf("UpsertRegisteredGroup: %v", err)
	}
	chat, sender := newTestTelegramChat(store, nil)
	chat.maxBacklog = 1

	chat.handleMessage(ctx, testMessage(123, "first task"))
	chat.handleMessage(ctx, testMessage(123, "second task, should be dropped"))

	count, err := store.GetActiveTaskCount(ctx)
	if err != nil {
		t.Fatalf("GetActiveTaskCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected backlog cap to hold at 1, got %d", count)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected a reply for both the scheduled and the dropped message, got %d", len(sender.sent))
	}
}

func TestNotifyInvalidTargetIsNoop(t *testing.T) {
	chat, sender := newTestTelegramChat(nil, nil)
	if err := chat.Notify(context.Background(), "not-a-chat-id", "hi"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send attempt for an invalid target, got %d", len(sender.sent))
	}
}

func TestNotifySendsMessage(t *testing.T) {
	chat, sender := newTestTelegramChat(nil, nil)
	if err := chat.Notify(context.Background(), "456", "hello there"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sender.sent))
	}
}
