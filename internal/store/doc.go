// Package store provides local persistence using SQLite.
//
// # Architecture
//
// Two interfaces, both implemented by SQLiteStore and by the in-memory
// MockStore:
//
//   - RunJournal: an append-only record of chat exchanges (prompt, reply,
//     status, timing) written by the gateway client when the journal is enabled
//   - DeviceRegistry: device identities seen by a gateway and their pairing
//     status, used by the fake gateway to decide whether to answer NOT_PAIRED
//
// # Schema
//
//	runs(id, run_id, session_key, prompt, response, status, error, started_at, finished_at)
//	devices(device_id, public_key, display_name, status, created_at, last_seen)
//
// Timestamps are stored as fixed-width UTC text so ordering by column works.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/home/me/.openclaw/glasses.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	runs, err := s.RecentRuns(ctx, 10)
package store
