package app

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"attwatch/internal/attendance"
	"attwatch/internal/cache"
	"attwatch/internal/poll"
	"attwatch/internal/storage"
	"attwatch/pkg/logx"
)

const (
	keySchemaVersion = "schema_version"
	schemaVersion    = 2
)

// Migrate brings persisted state up to the current schema. Runs once at
// startup, before anything reads the store.
//
// v1 -> v2: the attendance cache used to be a bare entry array; it is now
// wrapped in a timestamped record envelope.
func Migrate(ctx context.Context, st storage.Store, log logx.Logger) error {
	var have int
	if _, err := storage.GetJSON(ctx, st, keySchemaVersion, &have); err != nil {
		return err
	}
	if have >= schemaVersion {
		return nil
	}

	if have < 2 {
		if err := wrapLegacyCache(ctx, st); err != nil {
			return err
		}
	}

	if !log.IsZero() {
		log.Info("storage schema migrated",
			logx.Int("from", have), logx.Int("to", schemaVersion))
	}
	return storage.SetJSON(ctx, st, keySchemaVersion, schemaVersion)
}

func wrapLegacyCache(ctx context.Context, st storage.Store) error {
	raw, ok, err := st.Get(ctx, poll.KeyCache)
	if err != nil || !ok {
		return err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		// Already an envelope (or unreadable; leave it for the next poll).
		return nil
	}
	var entries []attendance.Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		// Unintelligible legacy data; drop it and let the next poll rebuild.
		return st.Delete(ctx, poll.KeyCache)
	}
	now := time.Now()
	body, err := json.Marshal(poll.Payload{
		Entries:   entries,
		TodayRows: attendance.TodayRows(entries, now),
	})
	if err != nil {
		return err
	}
	rec := cache.Record{Timestamp: now.UnixMilli(), Data: body}
	return storage.SetJSON(ctx, st, poll.KeyCache, rec)
}
