package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"oracle-sentinel/internal/app"
)

var consensusCached bool

var consensusCmd = &cobra.Command{
	Use:   "consensus [SYMBOL...]",
	Short: "Compute cross-protocol consensus once and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		symbols := make([]string, 0, len(args))
		for _, s := range args {
			symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
		}
		return getApp().Consensus(cmd.Context(), app.ConsensusOptions{
			Symbols: symbols,
			Cached:  consensusCached,
		})
	},
}

func init() {
	consensusCmd.Flags().BoolVar(&consensusCached, "cached", false, "Read the latest snapshot from Redis instead of querying sources")
}
