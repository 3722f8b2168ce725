package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"oracle-sentinel/internal/detection"
)

// Detections prints recent detections, or moves one to a new review status.
func (a *App) Detections(ctx context.Context, opts DetectionsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list detections")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.SetID != "" {
		status, err := parseStatus(opts.SetStatus)
		if err != nil {
			return err
		}
		if err := store.UpdateDetectionStatus(ctx, opts.SetID, status); err != nil {
			return err
		}
		a.Logger.Info().Str("id", opts.SetID).Str("status", string(status)).Msg("detection status updated")
		return nil
	}

	detections, err := store.ListRecentDetections(ctx, strings.ToUpper(opts.Symbol), opts.Limit)
	if err != nil {
		return err
	}
	if len(detections) == 0 {
		fmt.Fprintln(os.Stdout, "no detections found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tFeed\tType\tSeverity\tConfidence\tImpact%\tStatus\tID\tEvidence")

	for _, d := range detections {
		impact := "-"
		if d.PriceImpact != nil {
			impact = fmt.Sprintf("%+.3f", *d.PriceImpact*100)
		}
		evidence := ""
		if len(d.Evidence) > 0 {
			evidence = sanitizeInline(d.Evidence[0].Description)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			d.DetectedAt.UTC().Format(time.RFC3339),
			d.FeedKey,
			d.Type,
			d.Severity,
			d.Confidence,
			impact,
			d.Status,
			d.ID,
			evidence,
		)
	}

	writer.Flush()
	return nil
}

func parseStatus(v string) (detection.Status, error) {
	status := detection.Status(strings.ToLower(strings.TrimSpace(v)))
	switch status {
	case detection.StatusPending, detection.StatusConfirmed, detection.StatusFalsePositive, detection.StatusUnderInvestigation:
		return status, nil
	default:
		return "", fmt.Errorf("unknown detection status %q", v)
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
