package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bwtrack/internal/query"
)

// rangeFlags are the window flags shared by every history command.
type rangeFlags struct {
	hours int
	start string
	end   string
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&r.hours, "hours", 0, fmt.Sprintf("look back this many hours (default %d)", query.DefaultHours))
	cmd.Flags().StringVar(&r.start, "start", "", "window start, RFC 3339 or \"2006-01-02 15:04\" local time")
	cmd.Flags().StringVar(&r.end, "end", "", "window end, same format as --start")
}

func (r *rangeFlags) get() (query.Range, error) {
	rng := query.Range{Hours: r.hours}
	var err error
	if r.start != "" {
		if rng.Start, err = parseTime(r.start); err != nil {
			return rng, fmt.Errorf("--start: %w", err)
		}
	}
	if r.end != "" {
		if rng.End, err = parseTime(r.end); err != nil {
			return rng, fmt.Errorf("--end: %w", err)
		}
	}
	return rng, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04", s, time.Local)
}

// emit prints v as JSON with --json, otherwise as an aligned table.
func emit(w io.Writer, v interface{}, header []string, rows [][]string) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func trafficCells(t query.Traffic) []string {
	return []string{t.Tx.Formatted, t.Rx.Formatted, t.Total.Formatted}
}

func rateCells(r query.Rates) []string {
	return []string{r.Tx.Formatted, r.Rx.Formatted, r.Total.Formatted}
}

const secondsUsage = "report average rates over the last this many seconds instead of window totals"

var (
	summaryRange   rangeFlags
	topRange       rangeFlags
	protocolsRange rangeFlags
	ipsRange       rangeFlags
	seriesRange    rangeFlags
	hourlyRange    rangeFlags
	historyRange   rangeFlags
	processesRange rangeFlags

	topLimit       int
	ipsProcess     string
	seriesInterval int
	seriesProcess  string
	hourlyProcess  string
	historyLimit   int
	rateSeconds    int
	cleanupDays    int

	summarySeconds   int
	protocolsSeconds int
	ipsSeconds       int
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Total traffic in a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		if summarySeconds > 0 {
			s, err := f.SummaryRate(cmd.Context(), summarySeconds)
			if err != nil {
				return err
			}
			row := append([]string{strconv.Itoa(s.Seconds)}, rateCells(s.Rates)...)
			row = append(row,
				strconv.FormatInt(s.ProcessCount, 10),
				strconv.FormatInt(s.PIDCount, 10),
				strconv.FormatInt(s.RecordCount, 10))
			return emit(cmd.OutOrStdout(), s,
				[]string{"SECONDS", "UPLOAD", "DOWNLOAD", "TOTAL", "PROCESSES", "PIDS", "RECORDS"},
				[][]string{row})
		}
		rng, err := summaryRange.get()
		if err != nil {
			return err
		}
		s, err := f.Summary(cmd.Context(), rng)
		if err != nil {
			return err
		}
		row := []string{s.Window.Start.Format(time.DateTime), s.Window.End.Format(time.DateTime)}
		row = append(row, trafficCells(s.Traffic)...)
		row = append(row,
			strconv.FormatInt(s.ProcessCount, 10),
			strconv.FormatInt(s.PIDCount, 10),
			strconv.FormatInt(s.RecordCount, 10))
		return emit(cmd.OutOrStdout(), s,
			[]string{"FROM", "TO", "SENT", "RECEIVED", "TOTAL", "PROCESSES", "PIDS", "RECORDS"},
			[][]string{row})
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Processes with the most traffic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rng, err := topRange.get()
		if err != nil {
			return err
		}
		top, err := f.Top(cmd.Context(), rng, topLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(top))
		for i, p := range top {
			rows = append(rows, append([]string{strconv.Itoa(i + 1), p.ProcessName}, trafficCells(p.Traffic)...))
		}
		return emit(cmd.OutOrStdout(), top, []string{"#", "PROCESS", "SENT", "RECEIVED", "TOTAL"}, rows)
	},
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Traffic per protocol",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		if protocolsSeconds > 0 {
			protos, err := f.ProtocolRates(cmd.Context(), protocolsSeconds)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(protos))
			for _, p := range protos {
				rows = append(rows, append([]string{p.Protocol}, rateCells(p.Rates)...))
			}
			return emit(cmd.OutOrStdout(), protos, []string{"PROTOCOL", "UPLOAD", "DOWNLOAD", "TOTAL"}, rows)
		}
		rng, err := protocolsRange.get()
		if err != nil {
			return err
		}
		protos, err := f.ProtocolBreakdown(cmd.Context(), rng)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(protos))
		for _, p := range protos {
			rows = append(rows, append([]string{p.Protocol}, trafficCells(p.Traffic)...))
		}
		return emit(cmd.OutOrStdout(), protos, []string{"PROTOCOL", "SENT", "RECEIVED", "TOTAL"}, rows)
	},
}

var ipsCmd = &cobra.Command{
	Use:   "ips",
	Short: "Traffic per remote address",
	Long: fmt.Sprintf(`Traffic per remote address. Without --process only the %d busiest
addresses are listed.`, query.IPLimit),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		if ipsSeconds > 0 {
			ips, err := f.IPRates(cmd.Context(), ipsSeconds, ipsProcess)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(ips))
			for _, ip := range ips {
				rows = append(rows, append([]string{ip.RemoteAddr}, rateCells(ip.Rates)...))
			}
			return emit(cmd.OutOrStdout(), ips, []string{"REMOTE", "UPLOAD", "DOWNLOAD", "TOTAL"}, rows)
		}
		rng, err := ipsRange.get()
		if err != nil {
			return err
		}
		ips, err := f.IPBreakdown(cmd.Context(), rng, ipsProcess)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(ips))
		for _, ip := range ips {
			rows = append(rows, append([]string{ip.RemoteAddr}, trafficCells(ip.Traffic)...))
		}
		return emit(cmd.OutOrStdout(), ips, []string{"REMOTE", "SENT", "RECEIVED", "TOTAL"}, rows)
	},
}

var seriesCmd = &cobra.Command{
	Use:   "series",
	Short: "Traffic over time in fixed buckets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rng, err := seriesRange.get()
		if err != nil {
			return err
		}
		buckets, err := f.TimeSeries(cmd.Context(), rng, seriesInterval, seriesProcess)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(buckets))
		for _, b := range buckets {
			rows = append(rows, append([]string{b.Start.Format(time.DateTime)}, trafficCells(b.Traffic)...))
		}
		return emit(cmd.OutOrStdout(), buckets, []string{"START", "SENT", "RECEIVED", "TOTAL"}, rows)
	},
}

var hourlyCmd = &cobra.Command{
	Use:   "hourly",
	Short: "Hourly per process rollups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rng, err := hourlyRange.get()
		if err != nil {
			return err
		}
		hours, err := f.HourlyStats(cmd.Context(), rng, hourlyProcess)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(hours))
		for _, h := range hours {
			rows = append(rows, []string{
				h.HourStart.Format("2006-01-02 15h"), h.ProcessName,
				h.Tx.Formatted, h.Rx.Formatted,
				h.TCP.Total.Formatted, h.UDP.Total.Formatted,
			})
		}
		return emit(cmd.OutOrStdout(), hours, []string{"HOUR", "PROCESS", "SENT", "RECEIVED", "TCP", "UDP"}, rows)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history PROCESS",
	Short: "Recorded intervals of one process, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rng, err := historyRange.get()
		if err != nil {
			return err
		}
		hist, err := f.ProcessHistory(cmd.Context(), args[0], rng, historyLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(hist))
		for _, h := range hist {
			rows = append(rows, []string{
				h.Time.Format(time.DateTime), strconv.FormatUint(uint64(h.PID), 10),
				h.Protocol, h.RemoteAddr, h.Tx.Formatted, h.Rx.Formatted,
			})
		}
		return emit(cmd.OutOrStdout(), hist, []string{"TIME", "PID", "PROTO", "REMOTE", "SENT", "RECEIVED"}, rows)
	},
}

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "Names of processes with traffic in a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rng, err := processesRange.get()
		if err != nil {
			return err
		}
		names, err := f.ActiveProcesses(cmd.Context(), rng)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(names))
		for _, n := range names {
			rows = append(rows, []string{n})
		}
		return emit(cmd.OutOrStdout(), names, []string{"PROCESS"}, rows)
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Average per process rates over the last seconds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, _, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		rates, err := f.CurrentRate(cmd.Context(), rateSeconds)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(rates))
		for _, r := range rates {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(r.PID), 10), r.ProcessName,
				r.Tx.Formatted, r.Rx.Formatted,
			})
		}
		return emit(cmd.OutOrStdout(), rates, []string{"PID", "PROCESS", "UPLOAD", "DOWNLOAD"}, rows)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete rows older than the retention age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, cfg, done, err := openFacade(cmd.Context())
		if err != nil {
			return err
		}
		defer done()
		days := cleanupDays
		if days == 0 {
			days = cfg.Store.RetentionDays
		}
		res, err := f.Cleanup(cmd.Context(), days)
		if err != nil {
			return err
		}
		return emit(cmd.OutOrStdout(), res, []string{"CUTOFF", "RECORDS", "IP ROWS", "ROLLUPS"}, [][]string{{
			res.Cutoff.Format(time.DateTime),
			strconv.FormatInt(res.Records, 10),
			strconv.FormatInt(res.IPRows, 10),
			strconv.FormatInt(res.Rollups, 10),
		}})
	},
}

func init() {
	summaryRange.register(summaryCmd)
	topRange.register(topCmd)
	protocolsRange.register(protocolsCmd)
	ipsRange.register(ipsCmd)
	seriesRange.register(seriesCmd)
	hourlyRange.register(hourlyCmd)
	historyRange.register(historyCmd)
	processesRange.register(processesCmd)

	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "number of processes")
	ipsCmd.Flags().StringVarP(&ipsProcess, "process", "p", "", "only this process")
	summaryCmd.Flags().IntVar(&summarySeconds, "seconds", 0, secondsUsage)
	protocolsCmd.Flags().IntVar(&protocolsSeconds, "seconds", 0, secondsUsage)
	ipsCmd.Flags().IntVar(&ipsSeconds, "seconds", 0, secondsUsage)
	seriesCmd.Flags().IntVar(&seriesInterval, "interval", query.DefaultInterval, "bucket width in minutes")
	seriesCmd.Flags().StringVarP(&seriesProcess, "process", "p", "", "only this process")
	hourlyCmd.Flags().StringVarP(&hourlyProcess, "process", "p", "", "only this process")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of rows, 0 for all")
	rateCmd.Flags().IntVar(&rateSeconds, "seconds", 60, "averaging window in seconds")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "maximum age in days (default store.retention_days)")

	rootCmd.AddCommand(summaryCmd, topCmd, protocolsCmd, ipsCmd, seriesCmd,
		hourlyCmd, historyCmd, processesCmd, rateCmd, cleanupCmd)
}
