package marketdata

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

// Artifacts are laid out the way the engine's file based data reader expects:
//
//	<scope>/equity/usa/daily/<symbol>.zip          <symbol>.csv inside, prices in deci-cents
//	<scope>/equity/usa/map_files/<symbol>.csv      identity ticker mapping
//	<scope>/equity/usa/factor_files/<symbol>.csv   unit price and split factors

const (
	dateLayout     = "2006-01-02"
	leanDateLayout = "20060102"
	leanBarLayout  = "20060102 15:04"
	priceScale     = 10000
)

var (
	auxWindowStart = time.Date(1998, 1, 1, 0, 0, 0, 0, time.UTC)
	auxWindowEnd   = time.Date(2050, 12, 31, 0, 0, 0, 0, time.UTC)
)

type artifactKind int

const (
	dailySeries artifactKind = iota
	mapFile
	factorFile
)

// artifactPath is the path of one artifact relative to the cache root. It doubles as the
// object key in the remote mirror.
func artifactPath(scope Scope, symbol string, kind artifactKind) string {
	lower := strings.ToLower(symbol)
	base := filepath.Join(scope.Dir(), "equity", "usa")
	switch kind {
	case mapFile:
		return filepath.Join(base, "map_files", lower+".csv")
	case factorFile:
		return filepath.Join(base, "factor_files", lower+".csv")
	default:
		return filepath.Join(base, "daily", lower+".zip")
	}
}

func encodeDailyZip(symbol string, bars []Bar) ([]byte, error) {
	var csv bytes.Buffer
	for _, bar := range bars {
		fmt.Fprintf(&csv, "%s,%d,%d,%d,%d,%d\n",
			NormalizeDate(bar.Date).Format(leanBarLayout),
			scalePrice(bar.Open), scalePrice(bar.High), scalePrice(bar.Low), scalePrice(bar.Close),
			bar.Volume)
	}

	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)
	entry, err := archive.Create(strings.ToLower(symbol) + ".csv")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := entry.Write(csv.Bytes()); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := archive.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func decodeDailyZip(data []byte) ([]Bar, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &backtesterrors.ErrParse{Artifact: "daily series archive", Cause: err}
	}
	var bars []Bar
	for _, f := range archive.File {
		if !strings.HasSuffix(f.Name, ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &backtesterrors.ErrParse{Artifact: f.Name, Cause: err}
		}
		parsed, err := decodeDailyCsv(rc)
		_ = rc.Close()
		if err != nil {
			return nil, &backtesterrors.ErrParse{Artifact: f.Name, Cause: err}
		}
		bars = append(bars, parsed...)
	}
	return bars, nil
}

func decodeDailyCsv(r io.Reader) ([]Bar, error) {
	var bars []Bar
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != 6 {
			return nil, errors.Errorf("line %d: expected 6 fields, got %d", line, len(fields))
		}
		date, err := time.Parse(leanBarLayout, fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		var prices [4]int64
		for i := range prices {
			prices[i], err = strconv.ParseInt(fields[i+1], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
		}
		volume, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		bars = append(bars, Bar{
			Date:   NormalizeDate(date),
			Open:   unscalePrice(prices[0]),
			High:   unscalePrice(prices[1]),
			Low:    unscalePrice(prices[2]),
			Close:  unscalePrice(prices[3]),
			Volume: volume,
		})
	}
	return bars, errors.WithStack(scanner.Err())
}

func encodeMapFile(symbol string) []byte {
	lower := strings.ToLower(symbol)
	return []byte(fmt.Sprintf("%s,%s\n%s,%s\n",
		auxWindowStart.Format(leanDateLayout), lower,
		auxWindowEnd.Format(leanDateLayout), lower))
}

func encodeFactorFile() []byte {
	return []byte(fmt.Sprintf("%s,1,1,1\n%s,1,1,0\n",
		auxWindowStart.Format(leanDateLayout),
		auxWindowEnd.Format(leanDateLayout)))
}

func scalePrice(p float64) int64 {
	return int64(math.Round(p * priceScale))
}

func unscalePrice(p int64) float64 {
	return float64(p) / priceScale
}

// writeFileAtomic replaces path so readers never observe a partially written artifact.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
