package orchestrator

import (
	"time"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
)

type backtestWindow struct {
	symbols []string
	start   time.Time
	end     time.Time
	cash    float64
}

// resolveWindow combines the job spec, what the algorithm source declares and the
// configured defaults, in that order of precedence.
func (o *Orchestrator) resolveWindow(job *domain.Job) (backtestWindow, error) {
	extracted := o.Introspector.Introspect(*job.Spec.MainFileContent())

	end := marketdata.NormalizeDate(o.Clock.Now())
	window := backtestWindow{
		symbols: extracted.Symbols,
		start:   end.Add(-o.config.Defaults.Lookback),
		end:     end,
		cash:    o.config.Defaults.Cash,
	}
	if len(job.Spec.Symbols) > 0 {
		window.symbols = job.Spec.Symbols
	}
	if extracted.StartDate != nil {
		window.start = *extracted.StartDate
	}
	if job.Spec.StartDate != nil {
		window.start = *job.Spec.StartDate
	}
	if extracted.EndDate != nil {
		window.end = *extracted.EndDate
	}
	if job.Spec.EndDate != nil {
		window.end = *job.Spec.EndDate
	}
	if extracted.Cash != nil {
		window.cash = *extracted.Cash
	}
	if job.Spec.Cash > 0 {
		window.cash = job.Spec.Cash
	}

	window.start = marketdata.NormalizeDate(window.start)
	window.end = marketdata.NormalizeDate(window.end)
	if window.end.Before(window.start) {
		return window, &backtesterrors.ErrValidation{
			Field:   "endDate",
			Value:   window.end.Format("2006-01-02"),
			Message: "resolved end date is before start date " + window.start.Format("2006-01-02"),
		}
	}
	return window, nil
}
