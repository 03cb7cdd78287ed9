package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/papermarkets/riskengine/pkg/metrics"
)

// Client is the HTTP implementation of Provider against the quote sidecar
// (a small Flask service wrapping Yahoo Finance).
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	cache   *QuoteCache // optional
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithQuoteCache attaches a shared quote cache in front of the sidecar.
func WithQuoteCache(cache *QuoteCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithTimeout overrides the default 10s request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

func NewClient(baseURL string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Provider = (*Client)(nil)

type quoteResponse struct {
	Symbol             string   `json:"symbol"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	PreviousClose      *float64 `json:"previousClose"`
	Error              string   `json:"error"`
}

func (c *Client) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if c.cache != nil {
		if price, ok := c.cache.Get(ctx, symbol); ok {
			return price, nil
		}
	}

	var resp quoteResponse
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	price := resp.RegularMarketPrice
	if price == nil {
		price = resp.PreviousClose
	}
	if price == nil || *price <= 0 {
		return 0, fmt.Errorf("%w: %s: sidecar returned no usable price", ErrPriceUnavailable, symbol)
	}

	if c.cache != nil {
		c.cache.Set(ctx, symbol, *price)
	}
	return *price, nil
}

type historicalResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
	} `json:"chart"`
	Error string `json:"error"`
}

func (c *Client) HistoricalCloses(ctx context.Context, symbol string, lookbackDays int) ([]float64, error) {
	params := url.Values{
		"symbol":   {symbol},
		"period":   {fmt.Sprintf("%dd", lookbackDays)},
		"interval": {"1d"},
	}
	var resp historicalResponse
	if err := c.get(ctx, "/historical", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("marketdata: empty historical response for %s", symbol)
	}

	raw := resp.Chart.Result[0].Indicators.Quote[0].Close
	closes := make([]float64, 0, len(raw))
	for _, v := range raw {
		// Half-days and halts show up as nulls in the series.
		if v != nil && *v > 0 {
			closes = append(closes, *v)
		}
	}
	return closes, nil
}

type dividendsResponse struct {
	Info struct {
		DividendRate  *float64 `json:"dividendRate"`
		DividendYield *float64 `json:"dividendYield"`
	} `json:"info"`
	History []struct {
		Date   string  `json:"date"`
		Amount float64 `json:"amount"`
	} `json:"history"`
	Error string `json:"error"`
}

func (c *Client) DividendHistory(ctx context.Context, symbol string) (*DividendInfo, error) {
	var resp dividendsResponse
	if err := c.get(ctx, "/dividends", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return nil, err
	}

	info := &DividendInfo{}
	if resp.Info.DividendYield != nil {
		info.ReportedYield = *resp.Info.DividendYield
	}
	if resp.Info.DividendRate != nil {
		info.ReportedRate = *resp.Info.DividendRate
	}
	for _, h := range resp.History {
		date, err := time.Parse("2006-01-02", h.Date)
		if err != nil {
			c.logger.Warn("skipping malformed dividend date",
				zap.String("symbol", symbol), zap.String("date", h.Date))
			continue
		}
		info.History = append(info.History, Dividend{Date: date, Amount: h.Amount})
	}
	return info, nil
}

type treasuryResponse struct {
	Rate  *float64 `json:"rate"`
	Error string   `json:"error"`
}

func (c *Client) RiskFreeRate(ctx context.Context, horizonDays int) (float64, error) {
	params := url.Values{"days": {fmt.Sprintf("%d", horizonDays)}}
	var resp treasuryResponse
	if err := c.get(ctx, "/treasury", params, &resp); err != nil {
		return 0, err
	}
	if resp.Rate == nil {
		return 0, fmt.Errorf("marketdata: no treasury rate for %d day horizon", horizonDays)
	}
	return *resp.Rate, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	start := time.Now()
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("marketdata: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.MarketDataRequests.WithLabelValues(path, "error").Inc()
		return fmt.Errorf("marketdata: %s: %w", path, err)
	}
	defer resp.Body.Close()

	metrics.MarketDataRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if resp.StatusCode != http.StatusOK {
		metrics.MarketDataRequests.WithLabelValues(path, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return fmt.Errorf("marketdata: %s returned status %d", path, resp.StatusCode)
	}
	metrics.MarketDataRequests.WithLabelValues(path, "ok").Inc()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("marketdata: decode %s response: %w", path, err)
	}
	return nil
}
