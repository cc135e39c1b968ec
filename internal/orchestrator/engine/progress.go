package engine

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Engine progress is reported inside this band; the rest belongs to preparation and
// result processing.
const (
	ProgressEngineStart = 50.0
	ProgressEngineEnd   = 90.0
)

type ProgressParser struct {
	pattern *regexp.Regexp
}

func NewProgressParser(pattern string) (*ProgressParser, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid progress pattern %q", pattern)
	}
	if re.NumSubexp() < 1 {
		return nil, errors.Errorf("progress pattern %q has no capture group", pattern)
	}
	return &ProgressParser{pattern: re}, nil
}

// Parse returns the job progress a line of engine output reports, if any.
func (p *ProgressParser) Parse(line string) (float64, bool) {
	match := p.pattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	percent, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return ProgressEngineStart + percent*(ProgressEngineEnd-ProgressEngineStart)/100, true
}
