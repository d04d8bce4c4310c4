package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/pipelined/internal/queuestore"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender is the subset of *tgbotapi.BotAPI that Notify needs,
// narrowed so tests can substitute a fake without a live bot connection.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChat implements Chat and, separately, the group-message listener
// that turns trigger-worded messages into tasks via registered_groups
// bindings.
type TelegramChat struct {
	bot    *tgbotapi.BotAPI
	sender telegramSender
	store  *queuestore.Store
	logger *slog.Logger

	maxBacklog  int
	maxAttempts int
}

// NewTelegramChat connects to the Telegram Bot API with the given token.
// maxAttempts seeds every chat-created task's max_attempts (the mode's
// DefaultMaxAttempts, since the listener creates tasks ahead of any mode
// dispatch).
func NewTelegramChat(token string, store *queuestore.Store, logger *slog.Logger, maxBacklog, maxAttempts int) (*TelegramChat, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	if maxBacklog <= 0 {
		maxBacklog = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &TelegramChat{bot: bot, sender: bot, store: store, logger: logger, maxBacklog: maxBacklog, maxAttempts: maxAttempts}, nil
}

// Notify implements collab.Chat. target is a chat id as a decimal string.
// Best-effort: errors are logged, never returned to the caller's caller.
func (t *TelegramChat) Notify(ctx context.Context, target, message string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		t.logger.Warn("telegram notify: invalid chat target", "target", target, "error", err)
		return nil
	}
	msg := tgbotapi.NewMessage(chatID, message)
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Warn("telegram notify failed", "target", target, "error", err)
	}
	return nil
}

// Listen runs the long-poll update loop until ctx is cancelled, reconnecting
// with exponential backoff on disconnect. Group messages are matched against
// registered_groups bindings and turned into tasks when the trigger (or no
// trigger requirement) is satisfied.
func (t *TelegramChat) Listen(ctx context.Context) error {
	t.logger.Info("telegram chat listening", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection; the library blocks rather than closing the channel on a dead
// connection). Returns nil on context cancellation, an error to reconnect.
func (t *TelegramChat) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage checks the message's chat against registered_groups. A
// group with RequiresTrigger set only creates a task when the message
// starts with its trigger word (stripped before use as the task
// description); a group without RequiresTrigger creates a task from every
// message.
func (t *TelegramChat) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	jid := strconv.FormatInt(msg.Chat.ID, 10)
	group, err := t.store.GetRegisteredGroup(ctx, jid)
	if err != nil {
		if !errors.Is(err, queuestore.ErrNotFound) {
			t.logger.Warn("telegram: registered group lookup failed", "jid", jid, "error", err)
		}
		return
	}

	if group.RequiresTrigger {
		if !strings.HasPrefix(content, group.Trigger) {
			return
		}
		content = strings.TrimSpace(strings.TrimPrefix(content, group.Trigger))
		if content == "" {
			return
		}
	}

	active, err := t.store.GetActiveTaskCount(ctx)
	if err != nil {
		t.logger.Error("telegram: failed to read active task count", "error", err)
		return
	}
	if active >= t.maxBacklog {
		t.Notify(ctx, jid, fmt.Sprintf("backlog full (%d/%d), task dropped", active, t.maxBacklog))
		return
	}

	taskID, err := t.store.CreateTask(ctx, content, content, group.Folder, "chat:"+group.Name, jid, "backlog", t.maxAttempts)
	if err != nil {
		t.logger.Error("telegram: failed to create task from chat", "error", err)
		t.Notify(ctx, jid, fmt.Sprintf("could not schedule task: %v", err))
		return
	}
	t.Notify(ctx, jid, fmt.Sprintf("scheduled task #%d", taskID))
}
