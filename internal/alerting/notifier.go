package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind classifies an operator notification.
type Kind string

const (
	KindCommitConfirmed Kind = "commit_confirmed"
	KindCommitFailed    Kind = "commit_failed"
	KindLargePurchase   Kind = "large_purchase"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          Kind
	OccurredAt    time.Time
	USDPrice      decimal.Decimal
	PreviousPrice decimal.Decimal
	ChangePct     decimal.Decimal
	TxHash        string
	Detail        string
	Channels      []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindCommitConfirmed:
		builder.WriteString("[Pricekeeper] Price update confirmed\n")
	case KindCommitFailed:
		builder.WriteString("[Pricekeeper] Price update FAILED\n")
	case KindLargePurchase:
		builder.WriteString("[Pricekeeper] Large purchase observed\n")
	default:
		builder.WriteString("[Pricekeeper]\n")
	}

	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.OccurredAt.UTC().Format(time.RFC3339)))
	if !note.USDPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Price: $%s\n", note.USDPrice.String()))
	}
	if !note.PreviousPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Previous: $%s\n", note.PreviousPrice.String()))
	}
	if !note.ChangePct.IsZero() {
		builder.WriteString(fmt.Sprintf("Change: %s%%\n", note.ChangePct.StringFixed(1)))
	}
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
		builder.WriteString("\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
