package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-sentinel/internal/consensus"
)

const (
	pythLatestPath     = "/v2/updates/price/latest"
	defaultPythBaseURL = "https://hermes.pyth.network"
)

// PythOptions parameterise the Pyth Hermes fetcher.
type PythOptions struct {
	BaseURL   string
	Chain     string
	Feeds     []Feed
	Timeout   time.Duration
	UserAgent string
}

// Pyth fetches parsed price updates from a Hermes endpoint.
type Pyth struct {
	opts    PythOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	feeds   map[string]string
}

// NewPyth constructs a Pyth fetcher.
func NewPyth(opts PythOptions, logger zerolog.Logger) *Pyth {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultPythBaseURL
	}

	return &Pyth{
		opts:    opts,
		logger:  logger.With().Str("component", "pyth_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		feeds:   feedIndex(opts.Feeds),
	}
}

// Protocol implements OracleFetcher.
func (p *Pyth) Protocol() string { return ProtocolPyth }

// FetchQuote retrieves the latest parsed update for the symbol's price id.
// Confidence is 1 - conf/price, clamped to [0,1].
func (p *Pyth) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	id, ok := p.feeds[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, ErrUnsupportedSymbol
	}
	if id == "" {
		return Quote{}, errors.New("pyth price id required")
	}

	q := url.Values{}
	q.Add("ids[]", id)
	q.Set("parsed", "true")
	endpoint := p.baseURL + pythLatestPath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "oraclewatch/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError("pyth", resp.StatusCode, payload)
	}

	var res hermesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Quote{}, err
	}

	want := strings.TrimPrefix(strings.ToLower(id), "0x")
	for _, upd := range res.Parsed {
		if strings.TrimPrefix(strings.ToLower(upd.ID), "0x") != want {
			continue
		}
		return p.toQuote(symbol, upd.Price)
	}
	return Quote{}, fmt.Errorf("pyth response missing price id %s", id)
}

func (p *Pyth) toQuote(symbol string, hp hermesPrice) (Quote, error) {
	mantissa, err := decimal.NewFromString(hp.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse pyth price: %w", err)
	}
	conf, err := decimal.NewFromString(hp.Conf)
	if err != nil {
		return Quote{}, fmt.Errorf("parse pyth conf: %w", err)
	}
	if !mantissa.IsPositive() {
		return Quote{}, fmt.Errorf("pyth %s returned non-positive price %s", symbol, hp.Price)
	}

	price := mantissa.Shift(hp.Expo)
	confidence := decimal.NewFromInt(1).Sub(conf.Div(mantissa)).InexactFloat64()
	confidence = min(max(confidence, 0), 1)

	return Quote{CrossOraclePrice: consensus.CrossOraclePrice{
		Protocol:   ProtocolPyth,
		Chain:      p.opts.Chain,
		Symbol:     symbol,
		Price:      price.InexactFloat64(),
		Timestamp:  time.Unix(hp.PublishTime, 0).UTC(),
		Confidence: &confidence,
	}}, nil
}

type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(api string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", api, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", api, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", api, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", api, status)
}

var _ OracleFetcher = (*Pyth)(nil)
