package progress

import (
	"encoding/json"
	"sort"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

const (
	EquityChart  = "Strategy Equity"
	EquitySeries = "Equity"
)

// resultPacket covers both the live packets the engine streams (charts under oResults)
// and the result artifact it writes (charts at the top level). Key matching is case
// insensitive, so "Charts" and "charts" both land in Charts.
type resultPacket struct {
	Progress *float64          `json:"dProgress"`
	Results  *resultBody       `json:"oResults"`
	Charts   map[string]*chart `json:"charts"`
}

type resultBody struct {
	Charts map[string]*chart `json:"charts"`
}

type chart struct {
	Name   string             `json:"name"`
	Series map[string]*series `json:"series"`
}

type series struct {
	Name   string            `json:"name"`
	Values []json.RawMessage `json:"values"`
}

type objectPoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	C *float64 `json:"c"`
}

// ParsePacket extracts every chart series in data. Series are returned ordered by chart
// then series name.
func ParsePacket(data []byte) ([]ChartUpdate, *float64, error) {
	var packet resultPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, nil, &backtesterrors.ErrParse{Artifact: "result packet", Cause: err}
	}
	charts := packet.Charts
	if packet.Results != nil && len(packet.Results.Charts) > 0 {
		charts = packet.Results.Charts
	}

	chartNames := make([]string, 0, len(charts))
	for name := range charts {
		chartNames = append(chartNames, name)
	}
	sort.Strings(chartNames)

	var updates []ChartUpdate
	for _, chartName := range chartNames {
		c := charts[chartName]
		if c == nil {
			continue
		}
		seriesNames := make([]string, 0, len(c.Series))
		for name := range c.Series {
			seriesNames = append(seriesNames, name)
		}
		sort.Strings(seriesNames)
		for _, seriesName := range seriesNames {
			s := c.Series[seriesName]
			if s == nil {
				continue
			}
			points := make([]Point, 0, len(s.Values))
			for _, raw := range s.Values {
				if p, ok := parsePoint(raw); ok {
					points = append(points, p)
				}
			}
			if len(points) == 0 {
				continue
			}
			updates = append(updates, ChartUpdate{Chart: chartName, Series: seriesName, Points: points})
		}
	}
	return updates, packet.Progress, nil
}

// parsePoint accepts {"x":..,"y":..}, candlestick objects with "c", [x, y] and
// [x, open, high, low, close]. Points with a null value are skipped.
func parsePoint(raw json.RawMessage) (Point, bool) {
	if len(raw) == 0 {
		return Point{}, false
	}
	if raw[0] == '[' {
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil || len(values) < 2 {
			return Point{}, false
		}
		x, y := values[0], values[len(values)-1]
		if x == nil || y == nil {
			return Point{}, false
		}
		return Point{X: int64(*x), Y: *y}, true
	}
	var p objectPoint
	if err := json.Unmarshal(raw, &p); err != nil || p.X == nil {
		return Point{}, false
	}
	switch {
	case p.Y != nil:
		return Point{X: int64(*p.X), Y: *p.Y}, true
	case p.C != nil:
		return Point{X: int64(*p.X), Y: *p.C}, true
	default:
		return Point{}, false
	}
}
