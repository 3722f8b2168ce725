package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-sentinel/internal/app"
)

var (
	detectionsSymbol string
	detectionsLimit  int
	detectionsSetID  string
	detectionsStatus string
)

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Display recent manipulation detections or update their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if detectionsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if detectionsSetID != "" && detectionsStatus == "" {
			return fmt.Errorf("--status is required with --set")
		}

		return getApp().Detections(cmd.Context(), app.DetectionsOptions{
			Symbol:    detectionsSymbol,
			Limit:     detectionsLimit,
			SetID:     detectionsSetID,
			SetStatus: detectionsStatus,
		})
	},
}

func init() {
	detectionsCmd.Flags().StringVar(&detectionsSymbol, "symbol", "", "Only show detections for this symbol")
	detectionsCmd.Flags().IntVar(&detectionsLimit, "limit", 20, "Number of detections to display")
	detectionsCmd.Flags().StringVar(&detectionsSetID, "set", "", "Detection id whose status should change")
	detectionsCmd.Flags().StringVar(&detectionsStatus, "status", "", "New status: pending, confirmed, false_positive, under_investigation")
}
