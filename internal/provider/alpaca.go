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
	AlpacaName           = "alpaca"
	defaultAlpacaBaseURL = "https://data.alpaca.markets"
)

// Alpaca reads daily bars from the v2 stock bars endpoint, following page tokens.
type Alpaca struct {
	baseURL string
	client  *http.Client
	feed    string
}

type AlpacaOption func(*Alpaca)

func WithAlpacaBaseURL(u string) AlpacaOption {
	return func(a *Alpaca) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithAlpacaClient(c *http.Client) AlpacaOption {
	return func(a *Alpaca) { a.client = c }
}

// WithAlpacaFeed selects the data feed, "iex" for free plans or "sip".
func WithAlpacaFeed(feed string) AlpacaOption {
	return func(a *Alpaca) { a.feed = feed }
}

func NewAlpaca(opts ...AlpacaOption) *Alpaca {
	a := &Alpaca{
		baseURL: defaultAlpacaBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		feed:    "iex",
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Alpaca) Name() string { return AlpacaName }

type alpacaBars struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Open      float64   `json:"o"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Close     float64   `json:"c"`
		Volume    int64     `json:"v"`
	} `json:"bars"`
	NextPageToken *string `json:"next_page_token"`
}

func (a *Alpaca) FetchDailyBars(ctx context.Context, credential Credential, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	headers := map[string]string{
		"APCA-API-KEY-ID":     credential.Key,
		"APCA-API-SECRET-KEY": credential.Secret,
	}

	var bars []marketdata.Bar
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("timeframe", "1Day")
		query.Set("start", from.Format(dateFormat))
		query.Set("end", to.Format(dateFormat))
		query.Set("adjustment", "all")
		query.Set("limit", "10000")
		query.Set("feed", a.feed)
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", a.baseURL, url.PathEscape(strings.ToUpper(symbol)), query.Encode())

		var page alpacaBars
		if err := getJSON(ctx, a.client, endpoint, headers, &page); err != nil {
			return nil, err
		}
		for _, b := range page.Bars {
			bars = append(bars, marketdata.Bar{
				Date:   marketdata.NormalizeDate(b.Timestamp.UTC()),
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: b.Volume,
			})
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			return bars, nil
		}
		pageToken = *page.NextPageToken
	}
}
