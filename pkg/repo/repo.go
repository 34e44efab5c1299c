// Package repo implements the file-backed, append-only repositories of the
// engine. Each entity family persists to one flat JSON file inside the
// tenant's data directory; writes go through a temp file and an atomic
// rename, and a per-repository FIFO lock keeps at most one writer in
// flight. Repositories expose no update or delete: the only mutators are
// the narrow, whitelisted ones owned by the components that hold the
// corresponding invariants.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrDuplicateID rejects a create whose id is already present.
var ErrDuplicateID = errors.New("entity id already exists")

// writeLock serializes writers in arrival order. The Go runtime queues
// blocked channel senders FIFO, which gives pending writers the promised
// ordering.
type writeLock struct {
	ch chan struct{}
}

func newWriteLock() *writeLock {
	return &writeLock{ch: make(chan struct{}, 1)}
}

// acquire blocks until the lock is free. Cancellation is honored while
// waiting; once acquired, the write runs to completion.
func (l *writeLock) acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *writeLock) release() {
	<-l.ch
}

// loadJSON reads path into v. A missing file starts empty.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// atomicWriteJSON rewrites path via a temp file and rename so readers never
// observe a torn file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}
