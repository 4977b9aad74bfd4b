package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleEventsChart renders a bar chart of detected/removed events per
// minute over the last hour.
// Query params:
//
//	hours (optional, default 1, max 24)
func (ws *WebServer) handleEventsChart(w http.ResponseWriter, r *http.Request) {
	if ws.journal == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no journal configured")
		return
	}

	hours := 1
	if h := r.URL.Query().Get("hours"); h != "" {
		if v, err := strconv.Atoi(h); err == nil && v >= 1 && v <= 24 {
			hours = v
		}
	}

	counts, err := ws.journal.EventCountsByMinute(time.Now().Add(-time.Duration(hours) * time.Hour))
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("read event counts: %v", err))
		return
	}

	// Pivot rows into one x axis and a series per event kind.
	bucketSet := map[string]bool{}
	byKind := map[string]map[string]int{}
	for _, c := range counts {
		bucketSet[c.Bucket] = true
		if byKind[c.Kind] == nil {
			byKind[c.Kind] = map[string]int{}
		}
		byKind[c.Kind][c.Bucket] = c.Count
	}
	buckets := make([]string, 0, len(bucketSet))
	for b := range bucketSet {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Shelf Events", Subtitle: fmt.Sprintf("per minute, last %dh", hours)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(buckets)

	for _, kind := range []string{"detected", "removed"} {
		series := make([]opts.BarData, 0, len(buckets))
		for _, b := range buckets {
			series = append(series, opts.BarData{Value: byKind[kind][b]})
		}
		bar.AddSeries(kind, series,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
