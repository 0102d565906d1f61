// Package telegram provides a client for sending composite alert notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
)

// StatusFunc renders a plain-text status summary for the /status command.
type StatusFunc func() string

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled. status may be nil.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			text = "Status unavailable"
		} else {
			text = status()
		}
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends one notification listing the given composite alerts.
func (c *Client) Send(alerts []models.CompositeAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	return c.sendMarkdownV2(formatAlerts(alerts))
}

// formatAlerts renders composite alerts as a Telegram MarkdownV2 message.
func formatAlerts(alerts []models.CompositeAlert) string {
	var b strings.Builder
	b.WriteString("🚨 *Unusual Flow*\n\n")

	if len(alerts) > 0 {
		dateStr := escapeMarkdownV2(alerts[0].Timestamp.UTC().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "📅 Detected: %s UTC\n\n", dateStr)
	}

	for i, a := range alerts {
		fmt.Fprintf(&b, "%d\\. *%s* %s\n", i+1, escapeMarkdownV2(a.Symbol), escapeMarkdownV2(a.NarrativeTag))

		types := make([]string, len(a.AnomalyTypes))
		for j, t := range a.AnomalyTypes {
			types[j] = string(t)
		}
		fmt.Fprintf(&b, "   🎯 %s\n", escapeMarkdownV2(strings.Join(types, ", ")))

		stats := fmt.Sprintf("conviction %.2f · severity %.2f · %d flags over %s",
			a.ConvictionScore, a.AvgSeverity, len(a.Members), a.TimeSpan.Round(time.Second))
		fmt.Fprintf(&b, "   %s %s\n\n", convictionEmoji(a.ConvictionScore), escapeMarkdownV2(stats))
	}

	return b.String()
}

func convictionEmoji(score float64) string {
	switch {
	case score >= 0.75:
		return "🔥"
	case score >= 0.5:
		return "📈"
	default:
		return "👀"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
