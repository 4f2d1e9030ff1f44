package timing

import (
	"fmt"
	"io"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

func classBar(r *Recorder) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Micro-ops by class",
			Subtitle: fmt.Sprintf("%d instructions, %d micro-ops", r.Instructions(), r.Uops()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	totals := r.ClassTotals()
	data := make([]opts.BarData, 0, len(Classes))
	for _, class := range Classes {
		data = append(data, opts.BarData{Value: totals[class]})
	}
	bar.SetXAxis(Classes).AddSeries("uops", data)
	return bar
}

func opcodeBar(r *Recorder) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Micro-ops by opcode"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	rows := r.Snapshot()
	names := make([]string, len(rows))
	data := make([]opts.BarData, len(rows))
	for i, row := range rows {
		names[i] = row.Name
		data[i] = opts.BarData{Value: row.Count}
	}
	bar.SetXAxis(names).AddSeries("uops", data)
	return bar
}

// sampleLine plots one series per class over the sampling windows.
func sampleLine(samples []Sample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Micro-op mix over time"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "instructions"}),
	)
	x := make([]string, len(samples))
	for i, s := range samples {
		x[i] = fmt.Sprint(s.Inst)
	}
	line.SetXAxis(x)
	for _, class := range Classes {
		data := make([]opts.LineData, len(samples))
		for i, s := range samples {
			data[i] = opts.LineData{Value: s.Classes[class]}
		}
		line.AddSeries(class, data)
	}
	return line
}

// WriteChart renders the recorder as an HTML page.
func WriteChart(w io.Writer, r *Recorder) error {
	page := components.NewPage()
	page.AddCharts(classBar(r), opcodeBar(r))
	if samples := r.Samples(); len(samples) > 0 {
		page.AddCharts(sampleLine(samples))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// WriteChartFile renders the recorder to path.
func WriteChartFile(path string, r *Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteChart(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
