// Package output renders ranked hotspot results.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/danpilch/hotprof/pkg/aggregate"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatTSV   Format = "tsv"
)

// MaxLabelWidth is the widest label printed before truncation.
const MaxLabelWidth = 100

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatTSV:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or tsv)", s)
	}
}

// Report is one hotspot table to render.
type Report struct {
	Title  string
	Result aggregate.Result
	// Total is the corpus weight percentages are computed against.
	Total int64
	// TopN limits the rows; zero or less prints every label.
	TopN int
	// Column names the label column.
	Column string
}

// Row is a rendered table row.
type Row struct {
	Weight  int64  `json:"weight"`
	Percent string `json:"percent"`
	Label   string `json:"label"`
}

// Formatter handles output formatting.
type Formatter struct {
	format Format
	writer io.Writer
	styles styles
}

type styles struct {
	title  lipgloss.Style
	dim    lipgloss.Style
	header lipgloss.Style
	cell   lipgloss.Style
}

// NewFormatter creates a new formatter.
func NewFormatter(format Format, writer io.Writer) *Formatter {
	r := lipgloss.NewRenderer(writer)
	return &Formatter{
		format: format,
		writer: writer,
		styles: styles{
			title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			dim:    r.NewStyle().Foreground(lipgloss.Color("240")),
			header: r.NewStyle().Bold(true).Padding(0, 1),
			cell:   r.NewStyle().Padding(0, 1),
		},
	}
}

// Rows ranks the report's result and formats the top rows.
func (r Report) Rows() []Row {
	entries := aggregate.Top(r.Result, r.TopN)
	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = Row{
			Weight:  e.Weight,
			Percent: FormatPercentage(e.Weight, r.Total),
			Label:   e.Label,
		}
	}
	return rows
}

// RenderHotspots outputs a ranked hotspot table in the configured format.
func (f *Formatter) RenderHotspots(report Report) error {
	return f.Render(report, nil)
}

// BreakdownReport wraps a component breakdown. Every category is listed.
func BreakdownReport(result aggregate.Result, total int64) Report {
	return Report{
		Title:  "COMPONENT BREAKDOWN",
		Result: result,
		Total:  total,
		Column: "Component",
	}
}

// RenderBreakdown outputs every component category, ranked.
func (f *Formatter) RenderBreakdown(result aggregate.Result, total int64) error {
	return f.Render(BreakdownReport(result, total), nil)
}

// Render outputs hotspots, preceded by breakdown when it is non-nil.
// JSON output is always one document; the breakdown is nested under
// "breakdown".
func (f *Formatter) Render(hotspots Report, breakdown *Report) error {
	if f.format == FormatJSON {
		doc := newJSONReport(hotspots)
		if breakdown != nil {
			b := newJSONReport(*breakdown)
			doc.Breakdown = &b
		}
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	if breakdown != nil {
		if err := f.render(*breakdown); err != nil {
			return err
		}
	}
	return f.render(hotspots)
}

func (f *Formatter) render(report Report) error {
	if report.Column == "" {
		report.Column = "Method/Class/Package"
	}
	rows := report.Rows()
	if f.format == FormatTSV {
		return f.renderTSV(rows)
	}
	return f.renderTable(report, rows)
}

// renderTable outputs the rows as a styled table under a title block.
func (f *Formatter) renderTable(report Report, rows []Row) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintf(f.writer, "%s\n", emptyMessage(report.Title))
		return err
	}

	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = []string{strconv.FormatInt(row.Weight, 10), row.Percent, TruncateLabel(row.Label)}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.styles.dim).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := f.styles.cell
			if row == table.HeaderRow {
				style = f.styles.header
			}
			if col < 2 {
				return style.Align(lipgloss.Right)
			}
			return style
		}).
		Headers("Samples", "Percent", report.Column).
		Rows(cells...)

	fmt.Fprintln(f.writer)
	fmt.Fprintln(f.writer, f.styles.title.Render(report.Title))
	fmt.Fprintf(f.writer, "Total samples: %d\n", report.Total)
	_, err := fmt.Fprintln(f.writer, t)
	return err
}

type jsonReport struct {
	Title string `json:"title"`
	Total int64  `json:"total"`
	Rows  []Row  `json:"rows"`
	// Message explains an empty row set.
	Message   string      `json:"message,omitempty"`
	Breakdown *jsonReport `json:"breakdown,omitempty"`
}

func newJSONReport(report Report) jsonReport {
	doc := jsonReport{
		Title: report.Title,
		Total: report.Total,
		Rows:  report.Rows(),
	}
	if len(doc.Rows) == 0 {
		doc.Message = emptyMessage(report.Title)
	}
	return doc
}

func emptyMessage(title string) string {
	return "No hotspots found for: " + title
}

// renderTSV outputs rows as tab-separated values. An empty result is a
// header line alone.
func (f *Formatter) renderTSV(rows []Row) error {
	var b strings.Builder
	b.WriteString("WEIGHT\tPERCENT\tLABEL\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", row.Weight, row.Percent, row.Label)
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// FormatPercentage renders weight/total with two decimals, rounding half up.
// A zero total yields "0.00%".
func FormatPercentage(weight, total int64) string {
	if total <= 0 {
		return "0.00%"
	}
	// hundredths of a percent
	hp := (weight*20000 + total) / (2 * total)
	return fmt.Sprintf("%d.%02d%%", hp/100, hp%100)
}

// TruncateLabel shortens labels wider than MaxLabelWidth, keeping the tail.
func TruncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) <= MaxLabelWidth {
		return label
	}
	return "..." + string(runes[len(runes)-(MaxLabelWidth-3):])
}
