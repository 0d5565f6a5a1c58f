package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/spf13/cobra"

	"bwtrack/internal/query"
)

const (
	// historySize is how many refreshes the sparklines keep.
	historySize = 90
	liveTitle   = " Live (TCP+UDP) "
)

var (
	watchSeconds int
	watchHours   int
	watchRefresh time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal view of the collected traffic",
	Long: `Shows per process rates over the last --seconds and totals over the last
--hours, refreshed every --refresh, read from the database a running
"bwtrack run" writes to. Press q to quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchSeconds, "seconds", 10, "rate averaging window in seconds")
	watchCmd.Flags().IntVar(&watchHours, "hours", 24, "totals window in hours")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", time.Second, "refresh period")
	rootCmd.AddCommand(watchCmd)
}

type dashboard struct {
	live    *widgets.Table
	totals  *widgets.Table
	slTx    *widgets.Sparkline
	sgTx    *widgets.SparklineGroup
	slRx    *widgets.Sparkline
	sgRx    *widgets.SparklineGroup
	grid    *ui.Grid
	txHist  []float64
	rxHist  []float64
	lastErr string
}

func newDashboard() *dashboard {
	d := &dashboard{}

	d.live = widgets.NewTable()
	d.live.Title = liveTitle
	d.live.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.live.RowSeparator = false
	d.live.BorderStyle.Fg = ui.ColorGreen

	d.totals = widgets.NewTable()
	d.totals.Title = fmt.Sprintf(" Totals (last %dh) ", watchHours)
	d.totals.TextStyle = ui.NewStyle(ui.ColorWhite)
	d.totals.RowSeparator = false
	d.totals.BorderStyle.Fg = ui.ColorYellow

	d.slTx = widgets.NewSparkline()
	d.slTx.LineColor = ui.ColorYellow
	d.slTx.TitleStyle.Fg = ui.ColorYellow
	d.sgTx = widgets.NewSparklineGroup(d.slTx)
	d.sgTx.Title = " Upload "
	d.sgTx.BorderStyle.Fg = ui.ColorYellow

	d.slRx = widgets.NewSparkline()
	d.slRx.LineColor = ui.ColorGreen
	d.slRx.TitleStyle.Fg = ui.ColorGreen
	d.sgRx = widgets.NewSparklineGroup(d.slRx)
	d.sgRx.Title = " Download "
	d.sgRx.BorderStyle.Fg = ui.ColorGreen

	d.grid = ui.NewGrid()
	w, h := ui.TerminalDimensions()
	d.grid.SetRect(0, 0, w, h)
	d.grid.Set(
		ui.NewRow(0.65,
			ui.NewCol(0.5, d.live),
			ui.NewCol(0.5, d.totals),
		),
		ui.NewRow(0.35,
			ui.NewCol(0.5, d.sgTx),
			ui.NewCol(0.5, d.sgRx),
		),
	)
	return d
}

func runWatch(cmd *cobra.Command, _ []string) error {
	f, _, done, err := openFacade(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	if err := ui.Init(); err != nil {
		return fmt.Errorf("initialising terminal: %w", err)
	}
	defer ui.Close()

	d := newDashboard()
	d.refresh(cmd.Context(), f)
	ui.Render(d.grid)

	events := ui.PollEvents()
	ticker := time.NewTicker(watchRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case e := <-events:
			if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
				return nil
			}
			if e.Type == ui.ResizeEvent {
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				ui.Render(d.grid)
			}
		case <-ticker.C:
			d.refresh(cmd.Context(), f)
			ui.Render(d.grid)
		}
	}
}

func (d *dashboard) refresh(ctx context.Context, f *query.Facade) {
	rates, err := f.CurrentRate(ctx, watchSeconds)
	if err != nil {
		d.fail(err)
		return
	}
	top, err := f.Top(ctx, query.LastHours(watchHours), 100)
	if err != nil {
		d.fail(err)
		return
	}
	if d.lastErr != "" {
		d.lastErr = ""
		d.live.Title = liveTitle
	}

	var txRate, rxRate float64
	d.live.Rows = [][]string{{"PID", "PROCESS", "UPLOAD", "DOWNLOAD"}}
	for _, r := range rates {
		txRate += r.Tx.Value
		rxRate += r.Rx.Value
		d.live.Rows = append(d.live.Rows, []string{
			strconv.FormatUint(uint64(r.PID), 10), r.ProcessName, r.Tx.Formatted, r.Rx.Formatted,
		})
	}
	padRows(d.live, len(rates), 4)
	d.live.Rows = append(d.live.Rows,
		[]string{"━━━━", "━━━━━━━━", "━━━━━━━━", "━━━━━━━━"},
		[]string{
			fmt.Sprintf("active: %d", len(rates)),
			"total",
			"▲ " + query.FormatRate(txRate),
			"▼ " + query.FormatRate(rxRate),
		})

	var tx, rx uint64
	d.totals.Rows = [][]string{{"PROCESS", "SENT", "RECEIVED"}}
	for _, p := range top {
		tx += p.Tx.Value
		rx += p.Rx.Value
		d.totals.Rows = append(d.totals.Rows, []string{p.ProcessName, p.Tx.Formatted, p.Rx.Formatted})
	}
	padRows(d.totals, len(top), 3)
	d.totals.Rows = append(d.totals.Rows,
		[]string{"━━━━━━━━━━", "━━━━━━━━", "━━━━━━━━"},
		[]string{
			fmt.Sprintf("processes: %d", len(top)),
			"▲ " + query.FormatBytes(tx),
			"▼ " + query.FormatBytes(rx),
		})

	d.txHist = pushHistory(d.txHist, txRate)
	d.rxHist = pushHistory(d.rxHist, rxRate)
	d.slTx.Data = d.txHist
	d.slRx.Data = d.rxHist
	d.sgTx.Title = fmt.Sprintf(" Upload (now: %s | peak: %s) ", query.FormatRate(txRate), query.FormatRate(peak(d.txHist)))
	d.sgRx.Title = fmt.Sprintf(" Download (now: %s | peak: %s) ", query.FormatRate(rxRate), query.FormatRate(peak(d.rxHist)))
}

// fail keeps the last good rows on screen and shows err in the title.
func (d *dashboard) fail(err error) {
	d.lastErr = err.Error()
	d.live.Title = " Live (error: " + d.lastErr + ") "
}

// padRows inserts blank rows so the summary rows stay at the bottom of the
// table. Three rows are reserved for the header, separator and summary.
func padRows(t *widgets.Table, dataRows, cols int) {
	empty := t.Inner.Dy() - dataRows - 3
	blank := make([]string, cols)
	for i := range blank {
		blank[i] = " "
	}
	for i := 0; i < empty; i++ {
		t.Rows = append(t.Rows, blank)
	}
}

// pushHistory appends v, dropping the oldest value once historySize is
// reached, so the chart grows from the left.
func pushHistory(hist []float64, v float64) []float64 {
	if len(hist) >= historySize {
		hist = hist[1:]
	}
	return append(hist, v)
}

func peak(vs []float64) float64 {
	m := 0.0
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}
