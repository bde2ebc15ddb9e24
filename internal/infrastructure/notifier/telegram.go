package notifier

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

const queueSize = 256

// Sender is the part of tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type outgoing struct {
	chatID int64
	text   string
}

// Telegram delivers notifications to each user's chat and anomalies to the
// admin chat. Messages are queued; a full queue drops them.
type Telegram struct {
	bot         Sender
	users       domain.UserRepository
	adminChatID int64
	logger      *zap.Logger

	queue chan outgoing
	wg    sync.WaitGroup
}

// NewTelegram connects the bot. An empty token is an error; callers fall
// back to the log notifier.
func NewTelegram(token string, adminChatID int64, users domain.UserRepository, logger *zap.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	logger.Info("Telegram connected", zap.String("bot", bot.Self.UserName))
	return NewTelegramWithSender(bot, adminChatID, users, logger), nil
}

func NewTelegramWithSender(bot Sender, adminChatID int64, users domain.UserRepository, logger *zap.Logger) *Telegram {
	return &Telegram{
		bot:         bot,
		users:       users,
		adminChatID: adminChatID,
		logger:      logger,
		queue:       make(chan outgoing, queueSize),
	}
}

// Start sends queued messages in the background until ctx is done, then
// drains the queue. Wait returns once the drain is over.
func (t *Telegram) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Telegram) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-t.queue:
					t.send(m)
				default:
					return
				}
			}
		case m := <-t.queue:
			t.send(m)
		}
	}
}

// Wait blocks until the sender started by Start has returned.
func (t *Telegram) Wait() {
	t.wg.Wait()
}

func (t *Telegram) Notify(ctx context.Context, n domain.Notification) {
	text := format(n)
	if n.Kind == domain.NotifyAnomaly && t.adminChatID != 0 {
		t.enqueue(outgoing{chatID: t.adminChatID, text: text})
	}
	if n.UserID == 0 {
		return
	}
	user, err := t.users.GetUser(ctx, n.UserID)
	if err != nil {
		t.logger.Warn("Telegram: user lookup failed", zap.Int64("user_id", n.UserID), zap.Error(err))
		return
	}
	if user.ChatID == 0 || user.ChatID == t.adminChatID && n.Kind == domain.NotifyAnomaly {
		return
	}
	t.enqueue(outgoing{chatID: user.ChatID, text: text})
}

func (t *Telegram) enqueue(m outgoing) {
	select {
	case t.queue <- m:
	default:
		t.logger.Warn("Telegram queue full, message dropped", zap.Int64("chat_id", m.chatID))
	}
}

func (t *Telegram) send(m outgoing) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(m.chatID, m.text)); err != nil {
		t.logger.Error("Telegram send failed", zap.Int64("chat_id", m.chatID), zap.Error(err))
	}
}

func format(n domain.Notification) string {
	prefix := map[domain.NotificationKind]string{
		domain.NotifyOpened:      "Opened",
		domain.NotifyTargetMoved: "Target",
		domain.NotifyStopHit:     "Stop",
		domain.NotifyClosed:      "Closed",
		domain.NotifyAnomaly:     "ALERT",
	}[n.Kind]
	if n.OrderID != 0 {
		return fmt.Sprintf("[%s #%d] %s", prefix, n.OrderID, n.Text)
	}
	return fmt.Sprintf("[%s] %s", prefix, n.Text)
}
