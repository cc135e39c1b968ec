package marketdata

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/common/util"
)

// CoverageIndex records the contiguous date range cached per (scope, symbol).
type CoverageIndex interface {
	Get(ctx context.Context, scope Scope, symbol string) (*DateRange, error)
	Put(ctx context.Context, scope Scope, symbol string, coverage DateRange, barCount int) error
}

var (
	coverageTable = goqu.T("coverage")

	coverage_scope     = goqu.C("scope")
	coverage_symbol    = goqu.C("symbol")
	coverage_firstDate = goqu.C("first_date")
	coverage_lastDate  = goqu.C("last_date")
)

type coverageRow struct {
	Scope     string `db:"scope"`
	Symbol    string `db:"symbol"`
	FirstDate int64  `db:"first_date"`
	LastDate  int64  `db:"last_date"`
	BarCount  int64  `db:"bar_count"`
	UpdatedAt int64  `db:"updated_at"`
}

type SqlCoverageIndex struct {
	db    *goqu.Database
	clock util.Clock
}

func NewSqlCoverageIndex(db *goqu.Database, clock util.Clock) *SqlCoverageIndex {
	return &SqlCoverageIndex{db: db, clock: clock}
}

func (i *SqlCoverageIndex) Get(ctx context.Context, scope Scope, symbol string) (*DateRange, error) {
	var row coverageRow
	found, err := i.db.From(coverageTable).
		Where(coverage_scope.Eq(string(scope)), coverage_symbol.Eq(symbol)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, backtesterrors.Infrastructure("coverage index", errors.Wrapf(err, "reading coverage of %s in %s", symbol, scope))
	}
	if !found {
		return nil, nil
	}
	return &DateRange{
		First: time.UnixMilli(row.FirstDate).UTC(),
		Last:  time.UnixMilli(row.LastDate).UTC(),
	}, nil
}

// Put replaces the coverage of (scope, symbol). Callers serialise writers per key.
func (i *SqlCoverageIndex) Put(ctx context.Context, scope Scope, symbol string, coverage DateRange, barCount int) error {
	record := goqu.Record{
		"first_date": coverage.First.UnixMilli(),
		"last_date":  coverage.Last.UnixMilli(),
		"bar_count":  barCount,
		"updated_at": i.clock.Now().UnixMilli(),
	}
	err := i.db.WithTx(func(tx *goqu.TxDatabase) error {
		result, err := tx.Update(coverageTable).
			Set(record).
			Where(coverage_scope.Eq(string(scope)), coverage_symbol.Eq(symbol)).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		if updated, err := result.RowsAffected(); err != nil || updated > 0 {
			return err
		}
		record["scope"] = string(scope)
		record["symbol"] = symbol
		_, err = tx.Insert(coverageTable).Rows(record).Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return backtesterrors.Infrastructure("coverage index", errors.Wrapf(err, "recording coverage of %s in %s", symbol, scope))
	}
	return nil
}
