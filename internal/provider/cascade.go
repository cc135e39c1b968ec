// Package provider fetches daily bars from upstream market data vendors.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
	"github.com/i-dream-of-ai/aegra/internal/metrics"
)

type Provider interface {
	Name() string
	FetchDailyBars(ctx context.Context, credential Credential, symbol string, from, to time.Time) ([]marketdata.Bar, error)
}

// Cascade tries credentials in order until one provider answers.
type Cascade struct {
	providers map[string]Provider
}

func NewCascade(providers ...Provider) *Cascade {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Cascade{providers: byName}
}

// FetchDailyBars returns the bars of the first provider that succeeds together with the
// credential it used. When every provider fails the error is an ErrUpstreamProvider
// carrying each individual failure.
func (c *Cascade) FetchDailyBars(ctx context.Context, credentials []Credential, symbol string, from, to time.Time) ([]marketdata.Bar, Credential, error) {
	var result *multierror.Error
	for _, credential := range credentials {
		p, ok := c.providers[credential.Provider]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: provider not supported", credential.Provider))
			continue
		}
		bars, err := p.FetchDailyBars(ctx, credential, symbol, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Credential{}, ctx.Err()
			}
			log.WithError(err).WithField("symbol", symbol).Warnf("Provider %s failed, trying next", credential.Provider)
			result = multierror.Append(result, fmt.Errorf("%s: %w", credential.Provider, err))
			continue
		}
		metrics.RecordBarsFetched(credential.Provider, len(bars))
		return bars, credential, nil
	}

	if result == nil {
		return nil, Credential{}, &backtesterrors.ErrUpstreamProvider{Message: "no credentials to fetch " + symbol}
	}
	return nil, Credential{}, &backtesterrors.ErrUpstreamProvider{
		Message: fmt.Sprintf("every provider failed to fetch %s", symbol),
		Cause:   result.ErrorOrNil(),
	}
}
