package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fletling/trainervault/internal/account"
)

// snapshotFile is the on-disk name of the local replica, an opaque mapping
// keyed by username carrying the same field set as the store record.
const snapshotFile = "accounts.json"

func snapshotPath(dir string) string {
	return filepath.Join(dir, snapshotFile)
}

// loadSnapshot reads the prior local snapshot. A missing file is a normal
// first run and yields an empty map.
func loadSnapshot(dir string) (map[string]*account.Account, error) {
	data, err := os.ReadFile(snapshotPath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*account.Account{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap map[string]*account.Account
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap == nil {
		snap = map[string]*account.Account{}
	}
	return snap, nil
}

// saveSnapshot writes the working set atomically: a half-written snapshot
// must never replace a good one.
func saveSnapshot(dir string, accounts map[string]*account.Account) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp := snapshotPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, snapshotPath(dir)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
