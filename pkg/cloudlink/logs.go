package cloudlink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CloudLogEntry is one historical cloud-variable write, as served by the
// platform's public cloud-log HTTP endpoint.
type CloudLogEntry struct {
	Name      string
	Value     string
	User      string
	Timestamp time.Time
}

// CloudLogFetcher resolves an Event's User/Timestamp lazily, the way
// cloud.py's Event.data property looks the write up in get_cloud_logs on
// first access instead of carrying it inline in every packet.
type CloudLogFetcher interface {
	FetchLogs(ctx context.Context, projectID int, varName string) ([]CloudLogEntry, error)
}

// ErrNotSupported is returned for TurboWarp links, which have no backing
// HTTP cloud-log history (cloud.py's TwCloudConnection.get_cloud_logs
// unconditionally raises NotSupported).
var ErrNotSupported = errors.New("cloudlink: cloud logs are not supported for TurboWarp links")

// ErrLogEntryNotFound means no historical log entry matched the event's
// variable and value, e.g. because it has already scrolled past the log
// server's retention window.
var ErrLogEntryNotFound = errors.New("cloudlink: no matching cloud-log entry found")

// EventUser resolves the user who produced ev, via the configured
// CloudLogFetcher (see WithCloudLogFetcher). Only meaningful for "set"
// events; the cloud-variable wire packet itself carries no author field.
func (l *Link) EventUser(ctx context.Context, ev Event) (string, error) {
	entry, err := l.lookupLogEntry(ctx, ev)
	if err != nil {
		return "", err
	}
	return entry.User, nil
}

// EventTimestamp is EventUser's counterpart for the write's server-side
// timestamp.
func (l *Link) EventTimestamp(ctx context.Context, ev Event) (time.Time, error) {
	entry, err := l.lookupLogEntry(ctx, ev)
	if err != nil {
		return time.Time{}, err
	}
	return entry.Timestamp, nil
}

func (l *Link) lookupLogEntry(ctx context.Context, ev Event) (CloudLogEntry, error) {
	if l.turboWarp {
		return CloudLogEntry{}, ErrNotSupported
	}
	if l.logs == nil {
		return CloudLogEntry{}, fmt.Errorf("cloudlink: no CloudLogFetcher configured (see WithCloudLogFetcher)")
	}

	entries, err := l.logs.FetchLogs(ctx, l.projectID, ev.Var)
	if err != nil {
		return CloudLogEntry{}, fmt.Errorf("cloudlink: failed to fetch cloud logs: %w", err)
	}

	for _, e := range entries {
		if e.Value == ev.Value {
			return e, nil
		}
	}
	return CloudLogEntry{}, ErrLogEntryNotFound
}
