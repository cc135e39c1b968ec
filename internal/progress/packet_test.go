package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

func TestParsePacket_LivePacket(t *testing.T) {
	packet := `{
		"eType": "BacktestResult",
		"dProgress": 0.42,
		"oResults": {"Charts": {
			"Strategy Equity": {"Name": "Strategy Equity", "Series": {
				"Equity": {"Name": "Equity", "Values": [{"x": 1672704000, "y": 100000}, {"x": 1672790400, "y": 100250.5}]},
				"Return": {"Name": "Return", "Values": [{"x": 1672790400, "y": 0.25}]}
			}},
			"Benchmark": {"Name": "Benchmark", "Series": {"Benchmark": {"Values": []}}}
		}}
	}`
	updates, progress, err := ParsePacket([]byte(packet))
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 0.42, *progress)
	assert.Equal(t, []ChartUpdate{
		{Chart: "Strategy Equity", Series: "Equity", Points: []Point{{X: 1672704000, Y: 100000}, {X: 1672790400, Y: 100250.5}}},
		{Chart: "Strategy Equity", Series: "Return", Points: []Point{{X: 1672790400, Y: 0.25}}},
	}, updates)
}

func TestParsePacket_ResultArtifactWithCandles(t *testing.T) {
	artifact := `{"charts": {"Strategy Equity": {"name": "Strategy Equity", "series": {
		"Equity": {"name": "Equity", "values": [[1672704000, 100000, 100100, 99900, 100050], [1672790400, null, null, null, null]]},
		"Drawdown": {"name": "Drawdown", "values": [[1672704000, -0.5], {"x": 1672790400, "c": -0.7}, {"x": 1672876800}]}
	}}}}`
	updates, progress, err := ParsePacket([]byte(artifact))
	require.NoError(t, err)
	assert.Nil(t, progress)
	assert.Equal(t, []ChartUpdate{
		{Chart: "Strategy Equity", Series: "Drawdown", Points: []Point{{X: 1672704000, Y: -0.5}, {X: 1672790400, Y: -0.7}}},
		{Chart: "Strategy Equity", Series: "Equity", Points: []Point{{X: 1672704000, Y: 100050}}},
	}, updates)
}

func TestParsePacket_Malformed(t *testing.T) {
	_, _, err := ParsePacket([]byte(`{"charts": `))
	assert.Equal(t, backtesterrors.KindParse, backtesterrors.KindOf(err))
}
