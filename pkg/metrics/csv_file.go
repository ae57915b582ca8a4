// Package metrics provides functions to record metrics data.
// It is a very thin layer that writes counters to local CSV files,
// suited to a single-process deployment that doesn't run a full
// OpenTelemetry collector.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultMetricsFileIn  = "messages_in_%s.csv"
	DefaultMetricsFileOut = "requests_out_%s.csv"

	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = 0o644
)

var (
	muIn  sync.Mutex
	muOut sync.Mutex

	dir = "."
)

// SetDataDir points every metrics CSV file under dir instead of the
// current working directory, typically internal/xdgpaths.DataDir's
// per-user data directory.
func SetDataDir(d string) {
	dir = d
}

// IncrementMessageCounter monitors a client's inbound cloud-socket message,
// the domain's analogue of the teacher's webhook-event counter.
func IncrementMessageCounter(l *slog.Logger, t time.Time, clientID string, byteLen int) {
	muIn.Lock()
	defer muIn.Unlock()

	record := []string{t.Format(time.RFC3339), clientID, fmt.Sprint(byteLen)}
	if err := appendToCSVFile(DefaultMetricsFileIn, t, record); err != nil {
		l.Error("metrics error: failed to increment message counter", slog.Any("error", err),
			slog.String("client_id", clientID))
	}
}

// IncrementRequestCounter monitors one dispatched request-handler call,
// the domain's analogue of the teacher's outgoing API-call counter.
func IncrementRequestCounter(t time.Time, requestName string, err error) {
	muOut.Lock()
	defer muOut.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	_ = appendToCSVFile(DefaultMetricsFileOut, t, []string{t.Format(time.RFC3339), requestName, errMsg})
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = filepath.Join(dir, fmt.Sprintf(filename, t.Format(time.DateOnly)))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return nil
}
