package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

func sampleDetection() detection.Detection {
	impact := 0.35
	key := detection.FeedKey{Protocol: "chainlink", Chain: "ethereum", Symbol: "ETH/USD"}
	return detection.Detection{
		ID:         "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Key:        key,
		Protocol:   key.Protocol,
		Chain:      key.Chain,
		Symbol:     key.Symbol,
		FeedKey:    key.String(),
		Type:       detection.TypeStatisticalAnomaly,
		Severity:   detection.SeverityCritical,
		Confidence: 1,
		DetectedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Evidence: []detection.Evidence{{
			Type:        detection.EvidenceZScore,
			Description: "z-score 7.1 exceeds 3",
			Confidence:  1,
			Data:        detection.ZScoreEvidence{Price: 150, Mean: 100, StdDev: 7, ZScore: 7.1, SampleSize: 60},
		}},
		PriceImpact: &impact,
		Status:      detection.StatusPending,
	}
}

func sampleDeviation() consensus.DeviationAlert {
	return consensus.DeviationAlert{
		Severity: consensus.SeverityCritical, Protocol: "band", Chain: "ethereum", Symbol: "ETH/USD",
		Price: 102, ReferencePrice: 100, DeviationPercent: 2, Timestamp: time.Now(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), DetectionNotification(sampleDetection(), time.Now())); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"CRITICAL", "chainlink:ethereum:ETH/USD", "statistical_anomaly", "+35.000%", "z-score 7.1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text 缺少 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), DeviationNotification(sampleDeviation(), time.Now())); err == nil {
		t.Fatal("ok=false 应报错")
	}
	if err := notifier.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("empty notification should be rejected")
	}
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaNotifierPublishesKeyedEvents(t *testing.T) {
	w := &recordingWriter{}
	k := newKafkaNotifier(w, testLogger())

	if err := k.Notify(context.Background(), DetectionNotification(sampleDetection(), time.Now())); err != nil {
		t.Fatalf("Notify detection: %v", err)
	}
	if err := k.Notify(context.Background(), DeviationNotification(sampleDeviation(), time.Now())); err != nil {
		t.Fatalf("Notify deviation: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("published %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "chainlink:ethereum:ETH/USD" || string(w.msgs[1].Key) != "ETH/USD" {
		t.Fatalf("keys = %q, %q", w.msgs[0].Key, w.msgs[1].Key)
	}

	var decoded Notification
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if decoded.Kind != KindDetection || decoded.Detection == nil || len(decoded.Detection.Evidence) != 1 {
		t.Fatalf("event = %+v", decoded)
	}
	if _, ok := decoded.Detection.Evidence[0].Data.(detection.ZScoreEvidence); !ok {
		t.Fatalf("evidence variant lost: %T", decoded.Detection.Evidence[0].Data)
	}
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	if _, err := NewKafkaNotifier(KafkaOptions{Topic: "t"}, testLogger()); err == nil {
		t.Fatal("missing brokers should fail")
	}
	if _, err := NewKafkaNotifier(KafkaOptions{Brokers: []string{"localhost:9092"}}, testLogger()); err == nil {
		t.Fatal("missing topic should fail")
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestMultiAttemptsEveryNotifier(t *testing.T) {
	boom := errors.New("telegram down")
	first := &countingNotifier{err: boom}
	second := &countingNotifier{}
	m := NewMulti(testLogger(), first, second)

	err := m.Notify(context.Background(), DeviationNotification(sampleDeviation(), time.Now()))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want joined failure", err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("calls = %d, %d", first.calls, second.calls)
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d", m.Len())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
