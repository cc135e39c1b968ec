package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

const (
	maxDiagnosticLength = 4000
	fallbackTailLines   = 5
	tracebackHeader     = "Traceback (most recent call last)"
)

var errorMarkers = []string{"Runtime Error", "ERROR::", "Exception"}

// Classify turns the output of a failed run into an execution error whose diagnostic
// holds the tracebacks and error lines found, or the last lines of output if none were.
func Classify(exitCode int, output []string) *backtesterrors.ErrExecution {
	var parts []string
	seen := map[string]bool{}
	add := func(part string) {
		if part != "" && !seen[part] {
			seen[part] = true
			parts = append(parts, part)
		}
	}

	for i := 0; i < len(output); i++ {
		line := output[i]
		if strings.Contains(line, tracebackHeader) {
			block := []string{strings.TrimSpace(line)}
			j := i + 1
			for ; j < len(output); j++ {
				next := output[j]
				if strings.HasPrefix(next, " ") || strings.HasPrefix(next, "\t") {
					block = append(block, next)
					continue
				}
				// the exception line closes the traceback
				block = append(block, next)
				break
			}
			add(strings.Join(block, "\n"))
			i = j
			continue
		}
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				add(strings.TrimSpace(line))
				break
			}
		}
	}

	if len(parts) == 0 {
		if exitCode == ExitKilled {
			parts = append(parts, "engine process was killed")
		}
		from := len(output) - fallbackTailLines
		if from < 0 {
			from = 0
		}
		for _, line := range output[from:] {
			add(strings.TrimSpace(line))
		}
	}

	diagnostic := strings.Join(parts, "\n")
	if len(diagnostic) > maxDiagnosticLength {
		diagnostic = truncate(diagnostic, maxDiagnosticLength) + "..."
	}
	return &backtesterrors.ErrExecution{ExitCode: exitCode, Diagnostic: diagnostic}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
