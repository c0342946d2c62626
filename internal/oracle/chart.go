package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoResult means the provider answered but carried no usable price.
var ErrNoResult = errors.New("oracle: no price in provider response")

// DefaultChartURL is the Yahoo Finance v8 chart endpoint.
const DefaultChartURL = "https://query2.finance.yahoo.com/v8/finance/chart/"

// ChartProvider reads live prices from a Yahoo-style v8 chart endpoint.
// Wrap it in Cached; it performs one HTTP request per call.
type ChartProvider struct {
	baseURL string
	cli     *http.Client
}

// NewChartProvider creates a provider for baseURL (DefaultChartURL if empty).
func NewChartProvider(baseURL string, timeout time.Duration) *ChartProvider {
	if baseURL == "" {
		baseURL = DefaultChartURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &ChartProvider{
		baseURL: baseURL,
		cli:     &http.Client{Timeout: timeout},
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice decimal.NullDecimal `json:"regularMarketPrice"`
				RegularMarketTime  int64               `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []decimal.NullDecimal `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (p *ChartProvider) GetPrice(ctx context.Context, sym string) (Quote, error) {
	u := p.baseURL + url.PathEscape(sym) + "?interval=1m&range=1d"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("User-Agent", "ledger-engine/1.0")

	resp, err := p.cli.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("chart http %d", resp.StatusCode)
	}

	var raw chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Quote{}, fmt.Errorf("decode chart: %w", err)
	}
	if raw.Chart.Error != nil && raw.Chart.Error.Code == "Not Found" {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	if len(raw.Chart.Result) == 0 {
		return Quote{}, ErrNoResult
	}

	r := raw.Chart.Result[0]
	price := r.Meta.RegularMarketPrice.Decimal
	asOf := time.Unix(r.Meta.RegularMarketTime, 0).UTC()

	// Last non-null close when the meta block is incomplete.
	if !r.Meta.RegularMarketPrice.Valid || r.Meta.RegularMarketTime == 0 {
		price = decimal.Zero
		if len(r.Indicators.Quote) > 0 && len(r.Indicators.Quote[0].Close) == len(r.Timestamp) {
			closes := r.Indicators.Quote[0].Close
			for i := len(r.Timestamp) - 1; i >= 0; i-- {
				if closes[i].Valid && closes[i].Decimal.IsPositive() {
					price = closes[i].Decimal
					asOf = time.Unix(r.Timestamp[i], 0).UTC()
					break
				}
			}
		}
	}

	if !price.IsPositive() {
		return Quote{}, ErrNoResult
	}
	return Quote{Symbol: sym, Price: price, AsOf: asOf}, nil
}
