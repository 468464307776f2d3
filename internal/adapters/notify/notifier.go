package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-event-radar/internal/domain"
	"tg-event-radar/internal/infra/metrics"
)

// Telegram отправляет оператору итог прогона через бота.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

var _ domain.Notifier = (*Telegram)(nil)

// NewTelegram создаёт нотификатор. Возвращает ошибку при невалидном токене.
func NewTelegram(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("инициализация бота: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

// NotifyRun отправляет отчёт о прогоне, разбивая его по лимиту сообщения.
func (t *Telegram) NotifyRun(ctx context.Context, summary domain.RunSummary) error {
	for _, part := range splitMessage(FormatRunSummary(summary)) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		start := time.Now()
		_, err := t.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(t.chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("отправка отчёта: %w", err)
		}
	}
	return nil
}

// FormatRunSummary собирает человекочитаемый отчёт о прогоне.
func FormatRunSummary(summary domain.RunSummary) string {
	var b strings.Builder
	if summary.Fatal() {
		fmt.Fprintf(&b, "❌ Прогон %s остановлен на этапе %s\n", summary.ID, summary.FatalStage)
	} else {
		fmt.Fprintf(&b, "✅ Прогон %s завершён\n", summary.ID)
	}
	fmt.Fprintf(&b, "Длительность: %s\n\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second))

	for _, report := range summary.Reports {
		fmt.Fprintf(&b, "%s: обработано %d, пропущено %d", report.Stage, report.Processed, report.Skipped)
		if total := report.FailedTotal(); total > 0 {
			fmt.Fprintf(&b, ", сбоев %d", total)
			categories := make([]string, 0, len(report.Failed))
			for category := range report.Failed {
				categories = append(categories, category)
			}
			sort.Strings(categories)
			details := make([]string, 0, len(categories))
			for _, category := range categories {
				details = append(details, fmt.Sprintf("%s=%d", category, report.Failed[category]))
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
		}
		if report.Fatal != "" {
			fmt.Fprintf(&b, "\n  фатально: %s", report.Fatal)
		}
		b.WriteString("\n")
	}
	return b.String()
}
