package viz

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"dora/internal/dataset"
	"dora/internal/llm"

	chart "github.com/wcharczuk/go-chart/v2"
)

// ChartPlan is the model-produced plan a chart is rendered from.
type ChartPlan struct {
	Type   string `json:"type"` // bar, line, scatter, pie
	Title  string `json:"title"`
	X      string `json:"x"`      // column to group by
	Y      string `json:"y"`      // numeric column to aggregate
	Metric string `json:"metric"` // count, sum, mean, min, max
}

// "visual" also covers "visualization" and "visualize".
var chartKeywords = []string{"plot", "graph", "chart", "visual"}

// IsChartQuery reports whether a query asks for a rendered chart rather than
// a textual analysis.
func IsChartQuery(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range chartKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

const chartPlanPromptFmt = `You are working with a tabular dataset named %s.
This is the result of printing its header and first rows:
%s

Plan a chart that answers the query below.
Return ONLY valid JSON in this exact format:
{"type": "bar|line|scatter|pie", "title": "chart title", "x": "column to group by", "y": "numeric column to aggregate", "metric": "count|sum|mean|min|max"}
Use "count" with an empty "y" when the query asks how many rows fall in each group.

Query: %s`

// PlanChart asks the model for a chart plan over the table schema.
func PlanChart(ctx context.Context, p llm.Provider, t *dataset.Table, query string) (*ChartPlan, error) {
	raw, err := p.Complete(ctx, "", nil, fmt.Sprintf(chartPlanPromptFmt, t.Name, t.Head(5), query))
	if err != nil {
		return nil, fmt.Errorf("chart planning failed: %w", err)
	}

	var plan ChartPlan
	if err := json.Unmarshal([]byte(llm.TrimCodeFence(raw)), &plan); err != nil {
		return nil, fmt.Errorf("parse chart plan: %w", err)
	}
	if plan.Type == "" {
		plan.Type = "bar"
	}
	if plan.Metric == "" {
		plan.Metric = "sum"
	}
	return &plan, nil
}

// RenderPNG aggregates the table per the plan and draws a PNG, returned as a
// base64 string ready for a chat message.
func RenderPNG(t *dataset.Table, plan *ChartPlan) (string, error) {
	rows, err := t.Aggregate(plan.Metric, plan.Y, plan.X)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	switch strings.ToLower(plan.Type) {
	case "bar":
		err = renderBar(&buf, plan.Title, rows)
	case "pie":
		err = renderPie(&buf, plan.Title, rows)
	case "line":
		err = renderSeries(&buf, plan.Title, rows, false)
	case "scatter":
		err = renderSeries(&buf, plan.Title, rows, true)
	default:
		return "", fmt.Errorf("unsupported chart type: %s", plan.Type)
	}
	if err != nil {
		return "", fmt.Errorf("render %s chart: %w", plan.Type, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func chartValues(rows []dataset.AggRow) []chart.Value {
	var values []chart.Value
	for _, r := range rows {
		label := r.Group
		if label == "" {
			label = "all"
		}
		values = append(values, chart.Value{Label: label, Value: r.Value})
	}
	return values
}

func renderBar(w io.Writer, title string, rows []dataset.AggRow) error {
	c := chart.BarChart{
		Title:    title,
		Width:    800,
		Height:   450,
		BarWidth: 50,
		Bars:     chartValues(rows),
	}
	return c.Render(chart.PNG, w)
}

func renderPie(w io.Writer, title string, rows []dataset.AggRow) error {
	c := chart.PieChart{
		Title:  title,
		Width:  600,
		Height: 600,
		Values: chartValues(rows),
	}
	return c.Render(chart.PNG, w)
}

func renderSeries(w io.Writer, title string, rows []dataset.AggRow, scatter bool) error {
	xs := make([]float64, len(rows))
	ys := make([]float64, len(rows))
	ticks := make([]chart.Tick, len(rows))
	for i, r := range rows {
		xs[i] = float64(i)
		ys[i] = r.Value
		ticks[i] = chart.Tick{Value: float64(i), Label: r.Group}
	}

	var style chart.Style
	if scatter {
		style = chart.Style{StrokeWidth: chart.Disabled, DotWidth: 5}
	}

	c := chart.Chart{
		Title:  title,
		Width:  800,
		Height: 450,
		XAxis:  chart.XAxis{Ticks: ticks},
		Series: []chart.Series{
			chart.ContinuousSeries{XValues: xs, YValues: ys, Style: style},
		},
	}
	return c.Render(chart.PNG, w)
}

const aggregationPromptFmt = `You are working with a tabular dataset named %s.
This is the result of printing its header and first rows:
%s

Convert the query to a single aggregation over the dataset.
Return ONLY valid JSON in this exact format:
{"metric": "count|sum|mean|min|max", "value": "numeric column to aggregate", "group_by": "column to group by, or empty"}

Query: %s`

const synthesisPromptFmt = `Given an input question, synthesize a response from the query results.
Query: %s

Aggregation: %s of %s grouped by %s

Output:
%s

Response:`

// Analyze runs the two-step tabular pipeline: the model plans an
// aggregation, the aggregation executes in-process over the table, and a
// second completion phrases the result.
func Analyze(ctx context.Context, p llm.Provider, t *dataset.Table, query string) (string, error) {
	raw, err := p.Complete(ctx, "", nil, fmt.Sprintf(aggregationPromptFmt, t.Name, t.Head(5), query))
	if err != nil {
		return "", fmt.Errorf("analysis planning failed: %w", err)
	}

	var plan struct {
		Metric  string `json:"metric"`
		Value   string `json:"value"`
		GroupBy string `json:"group_by"`
	}
	if err := json.Unmarshal([]byte(llm.TrimCodeFence(raw)), &plan); err != nil {
		return "", fmt.Errorf("parse analysis plan: %w", err)
	}

	rows, err := t.Aggregate(plan.Metric, plan.Value, plan.GroupBy)
	if err != nil {
		return "", err
	}

	groupBy := plan.GroupBy
	if groupBy == "" {
		groupBy = "nothing"
	}
	prompt := fmt.Sprintf(synthesisPromptFmt, query, plan.Metric, plan.Value, groupBy, FormatRows(rows))
	return p.Complete(ctx, "", nil, prompt)
}

// FormatRows renders aggregation output for the synthesis prompt.
func FormatRows(rows []dataset.AggRow) string {
	var sb strings.Builder
	for i, r := range rows {
		if i > 0 {
			sb.WriteString("\n")
		}
		if r.Group == "" {
			fmt.Fprintf(&sb, "%g", r.Value)
		} else {
			fmt.Fprintf(&sb, "%s: %g", r.Group, r.Value)
		}
	}
	return sb.String()
}
