/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/acronis/go-quotaguard/kvstore"
)

// MaxHistoryEntries is the maximum length of the session history.
const MaxHistoryEntries = 50

// History entry types.
const (
	HistoryTypeStart = "start"
	HistoryTypeEnd   = "end"
)

// HistoryTimeLayout is the layout of HistoryEntry.Timestamp.
const HistoryTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// HistoryEntry is a record about a session start or end.
type HistoryEntry struct {
	Timestamp      string `json:"timestamp"`
	Type           string `json:"type"`
	UserID         string `json:"userID"`
	Profile        string `json:"profile"`
	SessionID      string `json:"sessionId"`
	Bytes          *int64 `json:"bytes,omitempty"`
	DurationSec    *int64 `json:"durationSec,omitempty"`
	ActiveSessions int64  `json:"activeSessions"`
}

func newHistoryEntry(typ string, now time.Time, id Identity, sessionID string, active int64) HistoryEntry {
	return HistoryEntry{
		Timestamp:      now.UTC().Format(HistoryTimeLayout),
		Type:           typ,
		UserID:         id.UserID,
		Profile:        id.Profile,
		SessionID:      sessionID,
		ActiveSessions: active,
	}
}

// ReadHistory returns the session history of the namespace, most recent first.
// A missing or malformed value is an empty history.
func ReadHistory(ctx context.Context, store kvstore.Store, namespace string) ([]HistoryEntry, error) {
	raw, found, err := store.Get(ctx, namespace+KeySessionHistory)
	if err != nil {
		return nil, fmt.Errorf("get session history: %w", err)
	}
	return parseHistory(raw, found), nil
}

func parseHistory(raw string, found bool) []HistoryEntry {
	if !found || raw == "" {
		return []HistoryEntry{}
	}
	var entries []HistoryEntry
	if err := sonic.UnmarshalString(raw, &entries); err != nil || entries == nil {
		return []HistoryEntry{}
	}
	return entries
}

// appendHistory puts the entry at the head and drops the tail beyond MaxHistoryEntries.
// It's a read-modify-write of a single value, so concurrent appends may lose entries.
func appendHistory(ctx context.Context, store kvstore.Store, namespace string, entry HistoryEntry) error {
	entries, err := ReadHistory(ctx, store, namespace)
	if err != nil {
		return err
	}
	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > MaxHistoryEntries {
		entries = entries[:MaxHistoryEntries]
	}
	data, err := sonic.MarshalString(entries)
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	if err = store.Put(ctx, namespace+KeySessionHistory, data); err != nil {
		return fmt.Errorf("put session history: %w", err)
	}
	return nil
}
