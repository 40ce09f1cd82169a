// Package audit implements the append-only journal of structured events.
// The journal is insert-only by construction: it exposes no update or
// delete operation, and the backing store has no mutation path for events.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/store"
)

// ErrCallerTimestamp rejects events arriving with a pre-filled timestamp;
// the journal is the only time authority for audit records.
var ErrCallerTimestamp = errors.New("audit events are timestamped by the journal")

// Journal appends and queries audit events.
type Journal struct {
	store  store.Store
	clock  clock.Clock
	ids    clock.IDGenerator
	logger *log.Logger
}

// NewJournal creates a journal over the given store.
func NewJournal(st store.Store, clk clock.Clock, ids clock.IDGenerator) *Journal {
	return &Journal{
		store:  st,
		clock:  clk,
		ids:    ids,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Append writes an immutable event and returns its id. The event must not
// carry a timestamp or id; both are assigned here.
func (j *Journal) Append(ctx context.Context, ev core.AuditEvent) (string, error) {
	if !ev.Timestamp.IsZero() {
		return "", ErrCallerTimestamp
	}
	if ev.EventID != "" {
		return "", fmt.Errorf("event id is assigned by the journal")
	}
	if ev.Kind == "" {
		return "", fmt.Errorf("event kind is required")
	}

	ev.EventID = j.ids.NewID()
	ev.Timestamp = j.clock.Now().UTC()
	if ev.ActorKind == "" {
		ev.ActorKind = core.ActorSystem
	}

	if err := j.store.AppendAuditEvent(ctx, &ev); err != nil {
		j.logger.Printf("append failed for %s on %s: %v", ev.Kind, ev.ResourceID, err)
		return "", err
	}
	return ev.EventID, nil
}

// Query returns matching events newest-first plus the total count.
func (j *Journal) Query(ctx context.Context, f store.AuditFilter, page, size int) ([]*core.AuditEvent, int, error) {
	return j.store.QueryAuditEvents(ctx, f, page, size)
}

// csvColumns is the stable export column order.
var csvColumns = []string{
	"timestamp", "event_kind", "actor_id", "actor_kind",
	"resource_id", "resource_kind", "action", "success", "ip", "error", "details",
}

// ExportCSV streams all events matching the filter to w in the stable
// column order, newest-first.
func (j *Journal) ExportCSV(ctx context.Context, f store.AuditFilter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}

	const pageSize = 500
	for page := 1; ; page++ {
		events, total, err := j.store.QueryAuditEvents(ctx, f, page, pageSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := cw.Write(csvRow(ev)); err != nil {
				return err
			}
		}
		if page*pageSize >= total || len(events) == 0 {
			break
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvRow(ev *core.AuditEvent) []string {
	success := "No"
	if ev.Success {
		success = "Yes"
	}
	return []string{
		ev.Timestamp.Format(time.RFC3339),
		string(ev.Kind),
		ev.ActorID,
		string(ev.ActorKind),
		ev.ResourceID,
		ev.ResourceKind,
		ev.Action,
		success,
		ev.IPAddress,
		ev.ErrorMessage,
		stringifyDetails(ev.Details),
	}
}

// stringifyDetails renders the details map as "k=v; ..." with sorted keys
// so exports are byte-stable for identical events.
func stringifyDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, "; ")
}
