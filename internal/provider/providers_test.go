package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolygon_FetchDailyBarsFollowsNextURL(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			assert.Equal(t, "/v2/aggs/ticker/SPY/range/1/day/2023-01-01/2023-01-10", r.URL.Path)
			fmt.Fprintf(w, `{"status":"OK","results":[{"t":1672722000000,"o":384.37,"h":386.43,"l":377.83,"c":380.82,"v":74850731}],"next_url":"%s/v2/aggs/ticker/SPY/range/1/day/2023-01-01/2023-01-10?cursor=abc"}`, server.URL)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"t":1672808400000,"o":383.18,"h":385.88,"l":380,"c":383.76,"v":85934098}]}`)
	}))
	defer server.Close()

	p := NewPolygon(WithPolygonBaseURL(server.URL), WithPolygonClient(server.Client()))
	bars, err := p.FetchDailyBars(context.Background(), Credential{Provider: PolygonName, Key: "secret"}, "spy",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC), bars[0].Date)
	assert.Equal(t, 380.82, bars[0].Close)
	assert.Equal(t, int64(74850731), bars[0].Volume)
	assert.Equal(t, time.Date(2023, 1, 4, 0, 0, 0, 0, time.UTC), bars[1].Date)
}

func TestPolygon_HttpError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"status":"ERROR","error":"Unknown API Key"}`)
	}))
	defer server.Close()

	p := NewPolygon(WithPolygonBaseURL(server.URL))
	_, err := p.FetchDailyBars(context.Background(), Credential{Key: "bad"}, "SPY", time.Now(), time.Now())
	var statusErr *httpStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestAlpaca_FetchDailyBarsFollowsPageToken(t *testing.T) {
	pages := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "/v2/stocks/SPY/bars", r.URL.Path)
		assert.Equal(t, "1Day", r.URL.Query().Get("timeframe"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page_token") == "" {
			fmt.Fprint(w, `{"bars":[{"t":"2023-01-03T05:00:00Z","o":384.37,"h":386.43,"l":377.83,"c":380.82,"v":74850731}],"symbol":"SPY","next_page_token":"p2"}`)
			return
		}
		assert.Equal(t, "p2", r.URL.Query().Get("page_token"))
		fmt.Fprint(w, `{"bars":[{"t":"2023-01-04T05:00:00Z","o":383.18,"h":385.88,"l":380,"c":383.76,"v":85934098}],"symbol":"SPY","next_page_token":null}`)
	}))
	defer server.Close()

	a := NewAlpaca(WithAlpacaBaseURL(server.URL+"/"), WithAlpacaFeed("sip"))
	bars, err := a.FetchDailyBars(context.Background(), Credential{Provider: AlpacaName, Key: "key", Secret: "secret"}, "SPY",
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	require.Len(t, bars, 2)
	assert.Equal(t, time.Date(2023, 1, 4, 0, 0, 0, 0, time.UTC), bars[1].Date)
	assert.Equal(t, 383.76, bars[1].Close)
}

func TestAlpaca_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAlpaca(WithAlpacaBaseURL(server.URL)).FetchDailyBars(ctx, Credential{}, "SPY", time.Now(), time.Now())
	assert.Error(t, err)
}
