package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"oracle-sentinel/internal/consensus"
	"oracle-sentinel/internal/detection"
)

const (
	insertPriceSQL = `INSERT INTO oracle_prices (
        protocol,
        chain,
        symbol,
        price,
        confidence,
        liquidity,
        is_stale,
        deviation_pct,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (protocol, chain, symbol, observed_at) DO UPDATE
    SET
        price         = EXCLUDED.price,
        confidence    = EXCLUDED.confidence,
        liquidity     = EXCLUDED.liquidity,
        is_stale      = EXCLUDED.is_stale,
        deviation_pct = EXCLUDED.deviation_pct;`

	latestPricesSQL = `SELECT DISTINCT ON (protocol, chain)
        id,
        protocol,
        chain,
        symbol,
        price,
        confidence,
        liquidity,
        is_stale,
        deviation_pct,
        observed_at,
        created_at
    FROM oracle_prices
    WHERE symbol = $1
      AND observed_at >= $2
    ORDER BY protocol, chain, observed_at DESC;`

	observationHistorySQL = `SELECT
        observed_at,
        price,
        liquidity
    FROM oracle_prices
    WHERE protocol = $1
      AND chain = $2
      AND symbol = $3
      AND observed_at >= $4
      AND NOT is_stale
    ORDER BY observed_at;`

	protocolStatsSQL = `SELECT
        protocol,
        COUNT(*),
        COUNT(*) FILTER (WHERE is_stale),
        COALESCE(AVG(ABS(deviation_pct)) FILTER (WHERE deviation_pct IS NOT NULL), 0)::float8
    FROM oracle_prices
    WHERE symbol = $1
      AND observed_at >= $2
    GROUP BY protocol;`

	deletePricesBeforeSQL = `DELETE FROM oracle_prices WHERE observed_at < $1;`

	insertDetectionSQL = `INSERT INTO manipulation_detections (
        id,
        feed_key,
        protocol,
        chain,
        symbol,
        detection_type,
        severity,
        confidence_score,
        detected_at,
        evidence,
        suspicious_transactions,
        price_impact,
        financial_impact_usd,
        affected_addresses,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentDetectionsSQL = `SELECT
        id,
        protocol,
        chain,
        symbol,
        detection_type,
        severity,
        confidence_score,
        detected_at,
        evidence,
        suspicious_transactions,
        price_impact,
        financial_impact_usd,
        affected_addresses,
        status
    FROM manipulation_detections
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY detected_at DESC
    LIMIT $2;`

	updateDetectionStatusSQL = `UPDATE manipulation_detections
    SET status = $2
    WHERE id = $1;`

	insertConsensusSQL = `INSERT INTO price_consensus (
        symbol,
        consensus_price,
        method,
        confidence_level,
        participating_protocols,
        min_price,
        max_price,
        spread_pct,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (symbol, computed_at) DO UPDATE
    SET
        consensus_price         = EXCLUDED.consensus_price,
        method                  = EXCLUDED.method,
        confidence_level        = EXCLUDED.confidence_level,
        participating_protocols = EXCLUDED.participating_protocols,
        min_price               = EXCLUDED.min_price,
        max_price               = EXCLUDED.max_price,
        spread_pct              = EXCLUDED.spread_pct;`

	listConsensusBetweenSQL = `SELECT
        id,
        symbol,
        consensus_price,
        method,
        confidence_level,
        participating_protocols,
        min_price,
        max_price,
        spread_pct,
        computed_at
    FROM price_consensus
    WHERE symbol = $1
      AND computed_at >= $2
      AND computed_at < $3
    ORDER BY computed_at
    LIMIT NULLIF($4::int, 0);`

	insertDeviationSQL = `INSERT INTO deviation_alerts (
        symbol,
        protocol,
        chain,
        severity,
        price,
        reference_price,
        deviation_pct,
        message,
        raised_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listRecentDeviationsSQL = `SELECT
        id,
        symbol,
        protocol,
        chain,
        severity,
        price,
        reference_price,
        deviation_pct,
        message,
        raised_at
    FROM deviation_alerts
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY raised_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceStore persists protocol prices and answers history queries.
type PriceStore interface {
	InsertPrices(ctx context.Context, prices []PriceRecord) error
	LatestPrices(ctx context.Context, symbol string, since time.Time) ([]PriceRecord, error)
	ObservationHistory(ctx context.Context, key detection.FeedKey, since time.Time) ([]detection.PriceObservation, error)
	ProtocolStats(ctx context.Context, symbol string, since time.Time) (map[string]consensus.ProtocolStats, error)
	DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// DetectionStore persists manipulation detections.
type DetectionStore interface {
	InsertDetection(ctx context.Context, d detection.Detection) error
	ListRecentDetections(ctx context.Context, symbol string, limit int) ([]detection.Detection, error)
	UpdateDetectionStatus(ctx context.Context, id string, status detection.Status) error
}

// ConsensusStore persists consensus snapshots and deviation alerts.
type ConsensusStore interface {
	InsertConsensus(ctx context.Context, rec ConsensusRecord) error
	ListConsensusBetween(ctx context.Context, symbol string, from, to time.Time, limit int) ([]ConsensusRecord, error)
	InsertDeviations(ctx context.Context, recs []DeviationRecord) error
	ListRecentDeviations(ctx context.Context, symbol string, limit int) ([]DeviationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Migrate executes every *.sql file under dir in lexical order. Files are
// expected to be idempotent.
func (s *Store) Migrate(ctx context.Context, dir string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertPrices upserts a cycle's prices in one batch.
func (s *Store) InsertPrices(ctx context.Context, prices []PriceRecord) error {
	if len(prices) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(insertPriceSQL,
			p.Protocol,
			p.Chain,
			p.Symbol,
			p.Price.String(),
			nullableDecimal(p.Confidence),
			nullableDecimal(p.Liquidity),
			p.IsStale,
			nullableDecimal(p.DeviationPct),
			p.ObservedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert prices: %w", err)
	}
	return nil
}

// LatestPrices returns the newest price per (protocol, chain) since a time.
func (s *Store) LatestPrices(ctx context.Context, symbol string, since time.Time) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPricesSQL, symbol, since)
	if queryErr != nil {
		return nil, fmt.Errorf("latest prices: %w", queryErr)
	}
	defer rows.Close()

	out := make([]PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ObservationHistory returns a feed's non-stale prices since a time, oldest
// first, for buffer warm-up.
func (s *Store) ObservationHistory(ctx context.Context, key detection.FeedKey, since time.Time) ([]detection.PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, observationHistorySQL, key.Protocol, key.Chain, key.Symbol, since)
	if queryErr != nil {
		return nil, fmt.Errorf("observation history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]detection.PriceObservation, 0)
	for rows.Next() {
		var (
			at           time.Time
			priceStr     string
			liquidityStr *string
		)
		if err := rows.Scan(&at, &priceStr, &liquidityStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		liquidity, err := parseOptionalDecimal(liquidityStr, "liquidity")
		if err != nil {
			return nil, err
		}
		out = append(out, detection.PriceObservation{
			Timestamp: at,
			Price:     price.InexactFloat64(),
			Liquidity: floatPtr(liquidity),
			Source:    key.Protocol,
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ProtocolStats implements consensus.HistorySource.
func (s *Store) ProtocolStats(ctx context.Context, symbol string, since time.Time) (map[string]consensus.ProtocolStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, protocolStatsSQL, symbol, since)
	if queryErr != nil {
		return nil, fmt.Errorf("protocol stats: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[string]consensus.ProtocolStats)
	for rows.Next() {
		var (
			protocol     string
			total, stale int64
			avgDev       float64
		)
		if err := rows.Scan(&protocol, &total, &stale, &avgDev); err != nil {
			return nil, err
		}
		out[protocol] = consensus.ProtocolStats{
			TotalUpdates:        int(total),
			StaleUpdates:        int(stale),
			AvgDeviationPercent: avgDev,
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeletePricesBefore prunes old prices and reports how many rows went.
func (s *Store) DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deletePricesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete prices before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertDetection persists a detection; re-inserting the same id is a no-op.
func (s *Store) InsertDetection(ctx context.Context, d detection.Detection) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}

	_, execErr := pool.Exec(ctx, insertDetectionSQL,
		d.ID,
		d.FeedKey,
		d.Protocol,
		d.Chain,
		d.Symbol,
		string(d.Type),
		string(d.Severity),
		decimal.NewFromFloat(d.Confidence).String(),
		d.DetectedAt,
		evidence,
		nonNil(d.SuspiciousTransactions),
		nullableDecimal(optionalDecimal(d.PriceImpact)),
		nullableDecimal(optionalDecimal(d.FinancialImpactUSD)),
		nonNil(d.AffectedAddresses),
		string(d.Status),
	)
	if execErr != nil {
		return fmt.Errorf("insert detection: %w", execErr)
	}
	return nil
}

// ListRecentDetections lists detections newest first; an empty symbol lists
// every symbol.
func (s *Store) ListRecentDetections(ctx context.Context, symbol string, limit int) ([]detection.Detection, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDetectionsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent detections: %w", queryErr)
	}
	defer rows.Close()

	out := make([]detection.Detection, 0, limit)
	for rows.Next() {
		d, scanErr := scanDetection(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpdateDetectionStatus records a review decision.
func (s *Store) UpdateDetectionStatus(ctx context.Context, id string, status detection.Status) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateDetectionStatusSQL, id, string(status))
	if execErr != nil {
		return fmt.Errorf("update detection status: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// InsertConsensus upserts a consensus snapshot.
func (s *Store) InsertConsensus(ctx context.Context, rec ConsensusRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertConsensusSQL,
		rec.Symbol,
		rec.ConsensusPrice.String(),
		rec.Method,
		rec.ConfidenceLevel.String(),
		nonNil(rec.ParticipatingProtocols),
		rec.MinPrice.String(),
		rec.MaxPrice.String(),
		rec.SpreadPct.String(),
		rec.ComputedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert consensus: %w", execErr)
	}
	return nil
}

// ListConsensusBetween lists snapshots of a symbol in [from, to), oldest
// first. A zero limit returns every row.
func (s *Store) ListConsensusBetween(ctx context.Context, symbol string, from, to time.Time, limit int) ([]ConsensusRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listConsensusBetweenSQL, symbol, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list consensus between: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ConsensusRecord, 0)
	for rows.Next() {
		var rec ConsensusRecord
		var priceStr, confStr, minStr, maxStr, spreadStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Symbol,
			&priceStr,
			&rec.Method,
			&confStr,
			&rec.ParticipatingProtocols,
			&minStr,
			&maxStr,
			&spreadStr,
			&rec.ComputedAt,
		); err != nil {
			return nil, err
		}
		if err := parseDecimals(map[string]decimalTarget{
			"consensus price":  {priceStr, &rec.ConsensusPrice},
			"confidence level": {confStr, &rec.ConfidenceLevel},
			"min price":        {minStr, &rec.MinPrice},
			"max price":        {maxStr, &rec.MaxPrice},
			"spread pct":       {spreadStr, &rec.SpreadPct},
		}); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertDeviations persists a cycle's deviation alerts in one batch.
func (s *Store) InsertDeviations(ctx context.Context, recs []DeviationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(insertDeviationSQL,
			r.Symbol,
			r.Protocol,
			r.Chain,
			r.Severity,
			r.Price.String(),
			r.ReferencePrice.String(),
			r.DeviationPct.String(),
			r.Message,
			r.RaisedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert deviations: %w", err)
	}
	return nil
}

// ListRecentDeviations lists deviation alerts newest first.
func (s *Store) ListRecentDeviations(ctx context.Context, symbol string, limit int) ([]DeviationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDeviationsSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deviations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]DeviationRecord, 0, limit)
	for rows.Next() {
		var (
			rec                         DeviationRecord
			priceStr, refStr, deviation string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Symbol,
			&rec.Protocol,
			&rec.Chain,
			&rec.Severity,
			&priceStr,
			&refStr,
			&deviation,
			&rec.Message,
			&rec.RaisedAt,
		); err != nil {
			return nil, err
		}
		if err := parseDecimals(map[string]decimalTarget{
			"price":           {priceStr, &rec.Price},
			"reference price": {refStr, &rec.ReferencePrice},
			"deviation pct":   {deviation, &rec.DeviationPct},
		}); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanPriceRecord(rows pgx.Rows) (PriceRecord, error) {
	var (
		rec                                 PriceRecord
		priceStr                            string
		confStr, liquidityStr, deviationStr *string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Protocol,
		&rec.Chain,
		&rec.Symbol,
		&priceStr,
		&confStr,
		&liquidityStr,
		&rec.IsStale,
		&deviationStr,
		&rec.ObservedAt,
		&rec.CreatedAt,
	); err != nil {
		return PriceRecord{}, err
	}

	var err error
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return PriceRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.Confidence, err = parseOptionalDecimal(confStr, "confidence"); err != nil {
		return PriceRecord{}, err
	}
	if rec.Liquidity, err = parseOptionalDecimal(liquidityStr, "liquidity"); err != nil {
		return PriceRecord{}, err
	}
	if rec.DeviationPct, err = parseOptionalDecimal(deviationStr, "deviation pct"); err != nil {
		return PriceRecord{}, err
	}
	return rec, nil
}

func scanDetection(rows pgx.Rows) (detection.Detection, error) {
	var (
		d                         detection.Detection
		detType, severity, status string
		confStr                   string
		evidence                  []byte
		impactStr, financialStr   *string
	)
	if err := rows.Scan(
		&d.ID,
		&d.Protocol,
		&d.Chain,
		&d.Symbol,
		&detType,
		&severity,
		&confStr,
		&d.DetectedAt,
		&evidence,
		&d.SuspiciousTransactions,
		&impactStr,
		&financialStr,
		&d.AffectedAddresses,
		&status,
	); err != nil {
		return detection.Detection{}, err
	}

	d.Key = detection.FeedKey{Protocol: d.Protocol, Chain: d.Chain, Symbol: d.Symbol}
	d.FeedKey = d.Key.String()
	d.Type = detection.Type(detType)
	d.Severity = detection.Severity(severity)
	d.Status = detection.Status(status)

	conf, err := decimal.NewFromString(confStr)
	if err != nil {
		return detection.Detection{}, fmt.Errorf("parse confidence: %w", err)
	}
	d.Confidence = conf.InexactFloat64()

	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return detection.Detection{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	impact, err := parseOptionalDecimal(impactStr, "price impact")
	if err != nil {
		return detection.Detection{}, err
	}
	financial, err := parseOptionalDecimal(financialStr, "financial impact")
	if err != nil {
		return detection.Detection{}, err
	}
	d.PriceImpact = floatPtr(impact)
	d.FinancialImpactUSD = floatPtr(financial)
	return d, nil
}

type decimalTarget struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fields map[string]decimalTarget) error {
	for name, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		*f.dst = v
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	_ PriceStore              = (*Store)(nil)
	_ DetectionStore          = (*Store)(nil)
	_ ConsensusStore          = (*Store)(nil)
	_ AdvisoryLocker          = (*Store)(nil)
	_ consensus.HistorySource = (*Store)(nil)
)
