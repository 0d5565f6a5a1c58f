package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gizak/termui/v3/widgets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"bwtrack/internal/config"
	"bwtrack/internal/query"
	"bwtrack/model"
)

func TestRangeFlags(t *testing.T) {
	r := rangeFlags{hours: 6}
	rng, err := r.get()
	require.NoError(t, err)
	assert.Equal(t, query.LastHours(6), rng)

	r = rangeFlags{start: "2024-05-01T10:00:00Z", end: "2024-05-01 12:30"}
	rng, err = r.get()
	require.NoError(t, err)
	assert.True(t, rng.Start.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, rng.End.Equal(time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)))

	r = rangeFlags{start: "yesterday"}
	_, err = r.get()
	assert.ErrorContains(t, err, "--start")
}

func TestEmit(t *testing.T) {
	rows := [][]string{{"curl", "600 B"}, {"firefox", "1.5 KiB"}}

	var buf bytes.Buffer
	require.NoError(t, emit(&buf, nil, []string{"PROCESS", "SENT"}, rows))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "PROCESS  SENT", lines[0])
	assert.Equal(t, "curl     600 B", lines[1])

	jsonOut = true
	defer func() { jsonOut = false }()
	buf.Reset()
	require.NoError(t, emit(&buf, []query.ProcessEntry{{ProcessName: "curl"}}, nil, nil))
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "curl", decoded[0]["process_name"])
}

func TestPushHistory(t *testing.T) {
	var hist []float64
	for i := 0; i < historySize+5; i++ {
		hist = pushHistory(hist, float64(i))
	}
	assert.Len(t, hist, historySize)
	assert.Equal(t, 5.0, hist[0])
	assert.Equal(t, float64(historySize+4), peak(hist))
}

func TestPadRows(t *testing.T) {
	table := widgets.NewTable()
	table.SetRect(0, 0, 40, 10)
	table.Rows = [][]string{{"h1", "h2"}, {"a", "b"}}

	padRows(table, 1, 2)
	// Inner height 8: header, one row, four blanks, separator and summary.
	assert.Len(t, table.Rows, 2+4)
	assert.Equal(t, []string{" ", " "}, table.Rows[5])
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

type fixedLive struct{ snap *model.Snapshot }

func (l fixedLive) Current() *model.Snapshot { return l.snap }

func TestLiveHandler(t *testing.T) {
	logger := zaptest.NewLogger(t)

	rec := httptest.NewRecorder()
	liveHandler(query.New(nil, fixedLive{}), logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	snap := &model.Snapshot{
		Version:   7,
		Interval:  2 * time.Second,
		Processes: []*model.ProcessStats{{PID: 42, Name: "curl", TxBytes: 600, TCPTx: 600}},
	}
	rec = httptest.NewRecorder()
	liveHandler(query.New(nil, fixedLive{snap: snap}), logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view query.LiveView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, uint64(7), view.Version)
	require.Len(t, view.Processes, 1)
	assert.Equal(t, "300 B/s", view.Processes[0].Tx.Formatted)
}

func TestServeMetricsListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, busy.Addr().String(), prometheus.NewRegistry(), query.New(nil, nil), zaptest.NewLogger(t))

	// A failed listener leaves the group running until shutdown.
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, gctx.Err())

	cancel()
	assert.NoError(t, g.Wait())
}
