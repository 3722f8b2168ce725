package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

// Kind names what a notification carries.
type Kind string

const (
	KindDetection Kind = "manipulation_detection"
	KindDeviation Kind = "deviation_alert"
)

// Notification 封装告警上下文。Exactly one of Detection or Deviation is set.
type Notification struct {
	Kind      Kind                      `json:"kind"`
	EmittedAt time.Time                 `json:"emittedAt"`
	Detection *detection.Detection      `json:"detection,omitempty"`
	Deviation *consensus.DeviationAlert `json:"deviation,omitempty"`
}

// DetectionNotification wraps an emitted detection.
func DetectionNotification(d detection.Detection, at time.Time) Notification {
	return Notification{Kind: KindDetection, EmittedAt: at, Detection: &d}
}

// DeviationNotification wraps a deviation alert.
func DeviationNotification(a consensus.DeviationAlert, at time.Time) Notification {
	return Notification{Kind: KindDeviation, EmittedAt: at, Deviation: &a}
}

// Key is the routing key: the feed key for detections, the symbol for
// deviations.
func (n Notification) Key() string {
	switch {
	case n.Detection != nil:
		return n.Detection.FeedKey
	case n.Deviation != nil:
		return n.Deviation.Symbol
	default:
		return ""
	}
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
	text, err := renderMessage(note)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
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

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("key", note.Key()).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) (string, error) {
	builder := strings.Builder{}
	switch {
	case note.Detection != nil:
		d := note.Detection
		builder.WriteString(fmt.Sprintf("[Oracle Manipulation: %s]\n", strings.ToUpper(string(d.Severity))))
		builder.WriteString(fmt.Sprintf("Feed: %s\n", d.FeedKey))
		builder.WriteString(fmt.Sprintf("Type: %s\n", d.Type))
		builder.WriteString(fmt.Sprintf("Confidence: %.2f\n", d.Confidence))
		builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", d.DetectedAt.UTC().Format(time.RFC3339)))
		if d.PriceImpact != nil {
			builder.WriteString(fmt.Sprintf("Price impact: %+.3f%%\n", *d.PriceImpact*100))
		}
		if d.FinancialImpactUSD != nil {
			builder.WriteString(fmt.Sprintf("Financial impact: $%.0f\n", *d.FinancialImpactUSD))
		}
		for _, ev := range d.Evidence {
			builder.WriteString(fmt.Sprintf("- %s\n", ev.Description))
		}
		if len(d.SuspiciousTransactions) > 0 {
			builder.WriteString(fmt.Sprintf("Transactions: %s\n", strings.Join(d.SuspiciousTransactions, ",")))
		}
	case note.Deviation != nil:
		a := note.Deviation
		builder.WriteString(fmt.Sprintf("[Oracle Deviation: %s]\n", strings.ToUpper(string(a.Severity))))
		builder.WriteString(fmt.Sprintf("Symbol: %s\n", a.Symbol))
		builder.WriteString(fmt.Sprintf("Protocol: %s (%s)\n", a.Protocol, a.Chain))
		builder.WriteString(fmt.Sprintf("Price: %.6g vs consensus %.6g\n", a.Price, a.ReferencePrice))
		builder.WriteString(fmt.Sprintf("Deviation: %+.3f%%\n", a.DeviationPercent))
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", a.Timestamp.UTC().Format(time.RFC3339)))
	default:
		return "", errors.New("empty notification")
	}
	return builder.String(), nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// attempted; failures are joined.
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti builds a fan-out notifier.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger.With().Str("component", "alert_multi").Logger()}
}

// Len reports how many notifiers are attached.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(note.Kind)).Str("key", note.Key()).Msg("notifier failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
