package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"
	"time"

	"oracle-sentinel/internal/alerting"
	"oracle-sentinel/internal/detection"
)

var simulatedKey = detection.FeedKey{Protocol: "simulated", Chain: "local", Symbol: "SIM/USD"}

// Simulate 用合成价格序列驱动检测引擎: seeded gaussian noise around a base
// price with an optional spike. Emitted detections are printed and optionally
// sent to the configured notifiers.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	var notifier alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		n, closeNotifier, err := a.newNotifier()
		if err != nil {
			return err
		}
		defer closeNotifier()
		if n == nil {
			return errors.New("未配置任何告警通道")
		}
		notifier = n
	}

	detections, err := a.simulateFeed(opts)
	if err != nil {
		return err
	}
	printDetections(os.Stdout, detections)

	for _, d := range detections {
		if notifier == nil {
			break
		}
		if err := notifier.Notify(ctx, alerting.DetectionNotification(d, time.Now().UTC())); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return nil
}

func (a *App) simulateFeed(opts SimulateOptions) ([]detection.Detection, error) {
	if opts.Points <= 0 {
		return nil, errors.New("--points must be greater than zero")
	}
	if opts.BasePrice <= 0 {
		return nil, errors.New("--base-price must be greater than zero")
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	interval := a.Config.Detection.SampleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var clock time.Time
	seq := 0
	engine, err := a.newDetector(
		detection.WithClock(func() time.Time { return clock }),
		detection.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("sim-%d-%04d", opts.Seed, seq)
		}),
	)
	if err != nil {
		return nil, err
	}

	var out []detection.Detection
	for i := 0; i < opts.Points; i++ {
		observed := opts.BasePrice * (1 + rng.NormFloat64()*opts.Volatility)
		if i == opts.SpikeAt && opts.SpikePct != 0 {
			observed *= 1 + opts.SpikePct/100
		}
		clock = start.Add(time.Duration(i) * interval)

		res := engine.Evaluate(detection.FeedUpdate{
			Key:   simulatedKey,
			Price: detection.PriceObservation{Timestamp: clock, Price: observed, Source: simulatedKey.Protocol},
		})
		if res.Detection != nil {
			out = append(out, *res.Detection)
		}
	}
	a.Logger.Info().Uint64("seed", opts.Seed).Int("points", opts.Points).Int("detections", len(out)).Msg("simulation finished")
	return out, nil
}

func printDetections(out io.Writer, detections []detection.Detection) {
	if len(detections) == 0 {
		fmt.Fprintln(out, "no detections")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "At (UTC)\tType\tSeverity\tConfidence\tEvidence")
	for _, d := range detections {
		evidence := ""
		if len(d.Evidence) > 0 {
			evidence = sanitizeInline(d.Evidence[0].Description)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.2f\t%s\n",
			d.DetectedAt.UTC().Format(time.RFC3339), d.Type, d.Severity, d.Confidence, evidence)
	}
	writer.Flush()
}
