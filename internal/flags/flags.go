// Package flags implements backend-scoped key/value pairs gating
// scheduling (paused, db-maintenance). A thin wrapper over
// internal/storage.Store.
package flags

import (
	"encoding/json"
	"time"

	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

// Flags queries and mutates backend-scoped flags.
type Flags struct {
	store storage.Store
}

func New(store storage.Store) *Flags {
	return &Flags{store: store}
}

// Get returns the current value of id for backend, or "" if unset.
func (f *Flags) Get(id, backend string) (string, error) {
	flag, err := f.store.GetFlag(id, backend)
	if err != nil {
		return "", err
	}
	return flag.Value, nil
}

// Set updates id's value for backend. A no-op on value equality: the
// timestamp is preserved rather than bumped.
func (f *Flags) Set(id, value, backend string, now time.Time) (*types.Flag, error) {
	current, err := f.store.GetFlag(id, backend)
	if err != nil {
		return nil, err
	}
	if current.Value == value {
		return current, nil
	}
	updated := &types.Flag{ID: id, Backend: backend, Value: value, Timestamp: now.UnixNano()}
	if err := f.store.SetFlag(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Paused reports the effective paused state for backend.
func (f *Flags) Paused(backend string) (bool, error) {
	v, err := f.Get(types.FlagPaused, backend)
	return v == "true", err
}

// DBMaintenance reports the effective DB-maintenance mode: either the
// sync-driven `mode=db-maintenance` flag or the operator-driven
// `manual-db-maintenance=on` flag.
func (f *Flags) DBMaintenance(backend string) (bool, error) {
	mode, err := f.Get(types.FlagMode, backend)
	if err != nil {
		return false, err
	}
	if mode == types.ModeDBMaintenance {
		return true, nil
	}
	manual, err := f.Get(types.FlagManualDBMaintenance, backend)
	if err != nil {
		return false, err
	}
	return manual == "on", nil
}

// Heartbeat bumps last-seen-at to now, called once per run loop tick.
func (f *Flags) Heartbeat(backend string, now time.Time) error {
	_, err := f.Set(types.FlagLastSeenAt, now.Format(time.RFC3339), backend, now)
	return err
}

// header is the shape serialised into the coordination server's `Flags`
// HTTP header: {id: {v, ts}}.
type header struct {
	V  string `json:"v"`
	TS int64  `json:"ts"`
}

// HeaderJSON serialises every recognised flag for backend into the
// compact form the sync loop sends as its `Flags` request header.
func (f *Flags) HeaderJSON(backend string) (string, error) {
	ids := []string{types.FlagPaused, types.FlagMode, types.FlagManualDBMaintenance, types.FlagLastSeenAt}
	out := make(map[string]header, len(ids))
	for _, id := range ids {
		flag, err := f.store.GetFlag(id, backend)
		if err != nil {
			return "", err
		}
		out[id] = header{V: flag.Value, TS: flag.Timestamp}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
