package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// TabbedStringBuilder builds label/value listings with aligned columns, as printed by
// the CLI. Writes go to a strings.Builder, so none of its methods return errors.
type TabbedStringBuilder struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

func NewTabbedStringBuilder() *TabbedStringBuilder {
	sb := &strings.Builder{}
	return &TabbedStringBuilder{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, 1, 1, 1, ' ', 0),
	}
}

// Row writes one "label:<tab>value" line. Empty values are shown as "unknown".
func (t *TabbedStringBuilder) Row(label string, value any) {
	text := fmt.Sprint(value)
	if text == "" {
		text = "unknown"
	}
	_, _ = fmt.Fprintf(t.writer, "%s:\t%s\n", label, text)
}

// String flushes pending rows and returns everything written so far.
func (t *TabbedStringBuilder) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}
