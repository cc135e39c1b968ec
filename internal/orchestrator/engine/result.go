package engine

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/orchestrator/domain"
	"github.com/i-dream-of-ai/aegra/internal/progress"
)

type resultArtifact struct {
	Statistics        map[string]string          `json:"statistics"`
	RuntimeStatistics map[string]string          `json:"runtimeStatistics"`
	Orders            map[string]json.RawMessage `json:"orders"`
	Insights          json.RawMessage            `json:"insights"`
}

// ParseResult reads the result artifact the engine wrote on a successful run.
func ParseResult(path string) (*domain.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &backtesterrors.ErrParse{Artifact: path, Cause: errors.WithStack(err)}
	}

	var artifact resultArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &backtesterrors.ErrParse{Artifact: path, Cause: err}
	}
	if artifact.Statistics == nil {
		return nil, &backtesterrors.ErrParse{Artifact: path, Cause: errors.New("no statistics in result")}
	}

	charts, _, err := progress.ParsePacket(data)
	if err != nil {
		return nil, err
	}

	result := &domain.Result{
		Statistics:        artifact.Statistics,
		RuntimeStatistics: artifact.RuntimeStatistics,
		Orders:            sortedOrders(artifact.Orders),
	}
	for _, c := range charts {
		series := domain.ChartSeries{Chart: c.Chart, Series: c.Series, Points: make([]domain.SeriesPoint, len(c.Points))}
		for i, p := range c.Points {
			series.Points[i] = domain.SeriesPoint{X: p.X, Y: p.Y}
		}
		result.Charts = append(result.Charts, series)
	}
	insights, err := parseInsights(artifact.Insights)
	if err != nil {
		return nil, &backtesterrors.ErrParse{Artifact: path, Cause: err}
	}
	result.Insights = insights
	return result, nil
}

// sortedOrders orders the engine's order map by numeric order id.
func sortedOrders(orders map[string]json.RawMessage) []json.RawMessage {
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	sorted := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		sorted = append(sorted, orders[id])
	}
	return sorted
}

// parseInsights accepts either a list of insights or a map keyed by insight id.
func parseInsights(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var insights []json.RawMessage
		return insights, errors.WithStack(json.Unmarshal(raw, &insights))
	}
	var byId map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byId); err != nil {
		return nil, errors.WithStack(err)
	}
	return sortedOrders(byId), nil
}
