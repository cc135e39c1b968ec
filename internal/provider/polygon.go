package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/i-dream-of-ai/aegra/internal/marketdata"
)

const (
	PolygonName           = "polygon"
	defaultPolygonBaseURL = "https://api.polygon.io"
	dateFormat            = "2006-01-02"
)

// Polygon reads daily aggregates from the v2 aggregates endpoint.
type Polygon struct {
	baseURL string
	client  *http.Client
}

type PolygonOption func(*Polygon)

func WithPolygonBaseURL(u string) PolygonOption {
	return func(p *Polygon) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithPolygonClient(c *http.Client) PolygonOption {
	return func(p *Polygon) { p.client = c }
}

func NewPolygon(opts ...PolygonOption) *Polygon {
	p := &Polygon{
		baseURL: defaultPolygonBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Polygon) Name() string { return PolygonName }

type polygonAggregates struct {
	Status  string `json:"status"`
	Results []struct {
		Timestamp int64   `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
	} `json:"results"`
	NextURL string `json:"next_url"`
	Error   string `json:"error"`
}

func (p *Polygon) FetchDailyBars(ctx context.Context, credential Credential, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	next := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=asc&limit=50000",
		p.baseURL, url.PathEscape(strings.ToUpper(symbol)), from.Format(dateFormat), to.Format(dateFormat))

	var bars []marketdata.Bar
	for next != "" {
		var page polygonAggregates
		if err := getJSON(ctx, p.client, withAPIKey(next, credential.Key), nil, &page); err != nil {
			return nil, err
		}
		if page.Status == "ERROR" {
			return nil, fmt.Errorf("polygon error: %s", page.Error)
		}
		for _, r := range page.Results {
			bars = append(bars, marketdata.Bar{
				Date:   marketdata.NormalizeDate(time.UnixMilli(r.Timestamp).UTC()),
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: int64(r.Volume),
			})
		}
		next = page.NextURL
	}
	return bars, nil
}

func withAPIKey(rawURL, key string) string {
	separator := "?"
	if strings.Contains(rawURL, "?") {
		separator = "&"
	}
	return rawURL + separator + "apiKey=" + url.QueryEscape(key)
}
