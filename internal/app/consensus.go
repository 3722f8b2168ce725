package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"oracle-sentinel/internal/cache"
	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/fetcher"
)

// Consensus prints one consensus analysis per symbol, either computed live
// from the configured sources or read from the Redis snapshot.
func (a *App) Consensus(ctx context.Context, opts ConsensusOptions) error {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = a.Config.NormalizedSymbols()
	}

	if opts.Cached {
		c, err := a.openCache(ctx)
		if err != nil {
			return err
		}
		if c == nil {
			return errors.New("redis not enabled; cannot read cached consensus")
		}
		defer c.Close()

		for _, symbol := range symbols {
			snap, err := c.Latest(ctx, symbol)
			if errors.Is(err, cache.ErrCacheMiss) {
				fmt.Fprintf(os.Stdout, "%s: no cached consensus\n", symbol)
				continue
			}
			if err != nil {
				return err
			}
			printAnalysis(os.Stdout, &consensus.Analysis{
				Consensus:   snap.Consensus,
				Deviations:  snap.Deviations,
				Reliability: snap.Reliability,
			}, snap.UpdatedAt)
		}
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	var history consensus.HistorySource
	if store != nil {
		history = store
	}

	backend := fetcher.NewLazyClient(a.Config.Ethereum.RPCURL)
	defer backend.Close()

	engine, err := consensus.NewEngine(a.Config.Consensus.Engine(), a.newSources(backend), history, consensus.WithLogger(a.Logger))
	if err != nil {
		return err
	}

	var failed int
	for _, symbol := range symbols {
		analysis, err := engine.Analyze(ctx, symbol)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("symbol", symbol).Msg("consensus failed")
			continue
		}
		printAnalysis(os.Stdout, analysis, analysis.Consensus.Timestamp)
	}
	if failed == len(symbols) {
		return errors.New("no symbol produced a consensus")
	}
	return nil
}

func printAnalysis(out io.Writer, a *consensus.Analysis, at time.Time) {
	c := a.Consensus
	fmt.Fprintf(out, "%s  consensus=%s  method=%s  confidence=%.2f  spread=%.3f%%  at=%s\n",
		c.Symbol, formatPrice(c.ConsensusPrice), c.Method, c.ConfidenceLevel,
		c.PriceRange.SpreadPercent, at.UTC().Format(time.RFC3339))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Protocol\tChain\tPrice\tDeviation%\tStatus\tReliability")

	alerts := make(map[string]consensus.DeviationAlert, len(a.Deviations))
	for _, d := range a.Deviations {
		alerts[d.Protocol+"|"+d.Chain] = d
	}

	rows := a.Prices
	if len(rows) == 0 {
		// cached snapshots carry deviations only
		for _, d := range a.Deviations {
			rows = append(rows, consensus.CrossOraclePrice{Protocol: d.Protocol, Chain: d.Chain, Price: d.Price})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Protocol < rows[j].Protocol })

	for _, p := range rows {
		status := string(consensus.SeverityHealthy)
		if alert, ok := alerts[p.Protocol+"|"+p.Chain]; ok {
			status = string(alert.Severity)
		}
		reliability := "-"
		if s, ok := a.Reliability[p.Protocol]; ok {
			reliability = fmt.Sprintf("%.2f", s.Reliability)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%+.3f\t%s\t%s\n",
			p.Protocol, p.Chain, formatPrice(p.Price),
			consensus.Deviation(p.Price, c.ConsensusPrice), status, reliability)
	}
	writer.Flush()
	fmt.Fprintln(out)
}

func formatPrice(v float64) string {
	return fmt.Sprintf("%.6g", v)
}
