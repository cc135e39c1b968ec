// Package introspection extracts backtest parameters from algorithm source without
// executing it.
package introspection

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/i-dream-of-ai/aegra/internal/marketdata"
)

// Parameters holds whatever could be extracted. Unset fields are nil or empty.
type Parameters struct {
	Symbols   []string
	StartDate *time.Time
	EndDate   *time.Time
	Cash      *float64
}

type Introspector interface {
	Introspect(source string) Parameters
}

var (
	equityPattern    = regexp.MustCompile(`(?:AddEquity|add_equity)\(\s*["'](` + marketdata.SymbolPattern + `)["']`)
	startDatePattern = regexp.MustCompile(`(?:SetStartDate|set_start_date)\(\s*(\d{4})\s*,\s*(\d{1,2})\s*,\s*(\d{1,2})\s*\)`)
	endDatePattern   = regexp.MustCompile(`(?:SetEndDate|set_end_date)\(\s*(\d{4})\s*,\s*(\d{1,2})\s*,\s*(\d{1,2})\s*\)`)
	cashPattern      = regexp.MustCompile(`(?:SetCash|set_cash)\(\s*(\d+(?:\.\d+)?)\s*\)`)
	commentPattern   = regexp.MustCompile(`(?m)^\s*(?:#|//).*$`)
)

// RegexIntrospector matches the common calls of the engine's algorithm API. It only sees
// literal arguments: anything computed at runtime is missed.
type RegexIntrospector struct{}

func (RegexIntrospector) Introspect(source string) Parameters {
	source = commentPattern.ReplaceAllString(source, "")
	params := Parameters{}

	seen := map[string]bool{}
	for _, match := range equityPattern.FindAllStringSubmatch(source, -1) {
		symbol := strings.ToUpper(match[1])
		if !seen[symbol] {
			seen[symbol] = true
			params.Symbols = append(params.Symbols, symbol)
		}
	}
	sort.Strings(params.Symbols)

	params.StartDate = findDate(startDatePattern, source)
	params.EndDate = findDate(endDatePattern, source)

	if match := cashPattern.FindStringSubmatch(source); match != nil {
		if cash, err := strconv.ParseFloat(match[1], 64); err == nil {
			params.Cash = &cash
		}
	}
	return params
}

func findDate(pattern *regexp.Regexp, source string) *time.Time {
	match := pattern.FindStringSubmatch(source)
	if match == nil {
		return nil
	}
	year, _ := strconv.Atoi(match[1])
	month, _ := strconv.Atoi(match[2])
	day, _ := strconv.Atoi(match[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Day() != day {
		return nil
	}
	return &date
}
