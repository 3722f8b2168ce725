package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"oracle-sentinel/internal/app"
)

var simulateOpts = app.SimulateOptions{}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用合成价格序列演练检测引擎",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.Points <= 0 || simulateOpts.BasePrice <= 0 {
			return errors.New("--points 与 --base-price 必须大于 0")
		}
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().Uint64Var(&simulateOpts.Seed, "seed", 1, "随机种子")
	simulateCmd.Flags().IntVar(&simulateOpts.Points, "points", 120, "Number of synthetic observations")
	simulateCmd.Flags().Float64Var(&simulateOpts.BasePrice, "base-price", 2000, "Price the noise is centred on")
	simulateCmd.Flags().Float64Var(&simulateOpts.Volatility, "volatility", 0.001, "Relative standard deviation of the noise")
	simulateCmd.Flags().IntVar(&simulateOpts.SpikeAt, "spike-at", 90, "Index of the manipulated observation (-1 disables)")
	simulateCmd.Flags().Float64Var(&simulateOpts.SpikePct, "spike-pct", 12, "Spike size in percent")
	simulateCmd.Flags().BoolVar(&simulateOpts.Notify, "notify", false, "Send detections through the configured notifiers")
}
