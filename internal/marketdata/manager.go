// Package marketdata maintains the on-disk daily bar cache mounted read-only into every
// engine run. A per (scope, symbol) coverage index records which dates are cached, so a
// job only fetches the gaps and new bars are merged into the existing series.
//
// Writers for the same (scope, symbol) are serialised inside one process. Running several
// processes against one cache volume requires that at most one of them writes a given
// (scope, symbol) at a time.
package marketdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/metrics"
)

// Mirror is an optional remote tier holding a copy of every artifact, keyed by the
// artifact's path relative to the cache root.
type Mirror interface {
	Push(ctx context.Context, key string, data []byte) error
	// Pull returns false when the mirror has no object for key.
	Pull(ctx context.Context, key string) ([]byte, bool, error)
}

type Manager struct {
	root   string
	index  CoverageIndex
	mirror Mirror

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(root string, index CoverageIndex, mirror Mirror) *Manager {
	return &Manager{
		root:   root,
		index:  index,
		mirror: mirror,
		locks:  map[string]*sync.Mutex{},
	}
}

// ScopeRoot is the directory to mount as the engine's data folder for scope.
func (m *Manager) ScopeRoot(scope Scope) string {
	return filepath.Join(m.root, scope.Dir())
}

// CheckCoverage reports whether [start, end] is fully, partially or not at all cached.
func (m *Manager) CheckCoverage(ctx context.Context, scope Scope, symbol string, start, end time.Time) (*CoverageReport, error) {
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}
	requested, err := requestedRange(start, end)
	if err != nil {
		return nil, err
	}
	cached, err := m.cachedRange(ctx, scope, symbol)
	if err != nil {
		return nil, err
	}
	report := newCoverageReport(cached, requested)
	metrics.RecordCoverageCheck(string(report.Status))
	return report, nil
}

// EnsureCoverage stores bars so that [start, end] becomes cached. When something is already
// cached the window must overlap or abut it, and bars must contain the dates returned by
// CoverageReport.Missing. The recorded coverage is the union of the previous coverage, the
// window and the span of bars, so dates without trading (weekends, holidays) inside the
// window count as covered.
func (m *Manager) EnsureCoverage(ctx context.Context, scope Scope, symbol string, bars []Bar, start, end time.Time) (*CoverageReport, error) {
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}
	requested, err := requestedRange(start, end)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(scope, symbol)
	lock.Lock()
	defer lock.Unlock()

	cached, err := m.cachedRange(ctx, scope, symbol)
	if err != nil {
		return nil, err
	}
	report := newCoverageReport(cached, requested)
	logger := log.WithField("symbol", symbol).WithField("scope", scope)

	switch report.Status {
	case CoverageFull:
		return report, nil

	case CoverageNone:
		if len(bars) == 0 {
			logger.Warnf("No bars for %s, writing placeholder metadata only", requested)
			if err := m.writeAux(ctx, scope, symbol); err != nil {
				return nil, err
			}
			return report, nil
		}
		series := MergeBars(nil, bars)
		coverage := requested
		if span, ok := Span(series); ok {
			coverage = coverage.Union(span)
		}
		if err := m.writeSeries(ctx, scope, symbol, series, coverage); err != nil {
			return nil, err
		}
		logger.Infof("Cached %d bars covering %s", len(series), coverage)
		return &CoverageReport{Status: CoverageFull, Cached: &coverage}, nil

	default:
		if !touches(*cached, requested) {
			return nil, &backtesterrors.ErrValidation{
				Field:   "start",
				Value:   requested.String(),
				Message: fmt.Sprintf("window must overlap or abut cached range %s; fetch the missing ranges of the coverage report", cached),
			}
		}
		existing, _, err := m.readSeries(ctx, scope, symbol)
		if err != nil {
			return nil, err
		}
		series := MergeBars(existing, bars)
		coverage := cached.Union(requested)
		if span, ok := Span(series); ok {
			coverage = coverage.Union(span)
		}
		if err := m.writeSeries(ctx, scope, symbol, series, coverage); err != nil {
			return nil, err
		}
		logger.Infof("Merged %d new bars into %d cached, coverage %s -> %s", len(bars), len(existing), cached, coverage)
		return &CoverageReport{Status: CoverageFull, Cached: &coverage}, nil
	}
}

// cachedRange is the indexed coverage of (scope, symbol), or nil when nothing is indexed
// or the series it describes is gone from disk and the mirror.
func (m *Manager) cachedRange(ctx context.Context, scope Scope, symbol string) (*DateRange, error) {
	cached, err := m.index.Get(ctx, scope, symbol)
	if err != nil || cached == nil {
		return cached, err
	}
	found, err := m.ensureLocal(ctx, artifactPath(scope, symbol, dailySeries))
	if err != nil {
		return nil, err
	}
	if !found {
		log.WithField("symbol", symbol).Warnf("Coverage %s recorded in %s but series file is missing, treating as uncached", cached, scope)
		return nil, nil
	}
	return cached, nil
}

// ensureLocal reports whether the artifact exists on disk, restoring it from the mirror
// when possible.
func (m *Manager) ensureLocal(ctx context.Context, key string) (bool, error) {
	path := filepath.Join(m.root, key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if !os.IsNotExist(err) {
		return false, backtesterrors.Infrastructure("market data cache", errors.WithStack(err))
	}
	if m.mirror == nil {
		return false, nil
	}
	pulled, found, err := m.mirror.Pull(ctx, key)
	if err != nil {
		return false, backtesterrors.Infrastructure("cache mirror", err)
	}
	if !found {
		return false, nil
	}
	if err := writeFileAtomic(path, pulled); err != nil {
		return false, backtesterrors.Infrastructure("market data cache", err)
	}
	return true, nil
}

// readSeries returns the cached bars sorted by date and false when there is no series.
func (m *Manager) readSeries(ctx context.Context, scope Scope, symbol string) ([]Bar, bool, error) {
	key := artifactPath(scope, symbol, dailySeries)
	found, err := m.ensureLocal(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	data, err := os.ReadFile(filepath.Join(m.root, key))
	if err != nil {
		return nil, false, backtesterrors.Infrastructure("market data cache", errors.WithStack(err))
	}
	bars, err := decodeDailyZip(data)
	if err != nil {
		return nil, false, err
	}
	return MergeBars(nil, bars), true, nil
}

func (m *Manager) writeSeries(ctx context.Context, scope Scope, symbol string, bars []Bar, coverage DateRange) error {
	data, err := encodeDailyZip(symbol, bars)
	if err != nil {
		return err
	}
	if err := m.writeArtifact(ctx, artifactPath(scope, symbol, dailySeries), data); err != nil {
		return err
	}
	if err := m.writeAux(ctx, scope, symbol); err != nil {
		return err
	}
	return m.index.Put(ctx, scope, symbol, coverage, len(bars))
}

func (m *Manager) writeAux(ctx context.Context, scope Scope, symbol string) error {
	if err := m.writeArtifact(ctx, artifactPath(scope, symbol, mapFile), encodeMapFile(symbol)); err != nil {
		return err
	}
	return m.writeArtifact(ctx, artifactPath(scope, symbol, factorFile), encodeFactorFile())
}

func (m *Manager) writeArtifact(ctx context.Context, key string, data []byte) error {
	if err := writeFileAtomic(filepath.Join(m.root, key), data); err != nil {
		return backtesterrors.Infrastructure("market data cache", err)
	}
	if m.mirror != nil {
		if err := m.mirror.Push(ctx, key, data); err != nil {
			// local copy is authoritative
			log.WithError(err).Warnf("Failed to push %s to cache mirror", key)
		}
	}
	return nil
}

func (m *Manager) lockFor(scope Scope, symbol string) *sync.Mutex {
	key := string(scope) + "/" + symbol
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func touches(cached, requested DateRange) bool {
	return !requested.First.After(cached.Last.Add(day)) && !requested.Last.Before(cached.First.Add(-day))
}

func requestedRange(start, end time.Time) (DateRange, error) {
	requested := NewDateRange(start, end)
	if requested.Last.Before(requested.First) {
		return DateRange{}, &backtesterrors.ErrValidation{
			Field:   "end",
			Value:   requested.Last.Format(dateLayout),
			Message: "end date is before start date " + requested.First.Format(dateLayout),
		}
	}
	return requested, nil
}
