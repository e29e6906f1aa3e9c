package store

import (
	"os"
	"path/filepath"
)

const networkVersionFile = "network_key_version"

// reconcileNetworkVersion wipes the record store whenever the persisted
// network_key_version sibling file doesn't match cfg's, since records
// encrypted/priced under a stale network epoch are meaningless once the
// epoch rolls (spec.md §4.2). A missing sibling file is treated as a fresh
// store and just gets the current version stamped.
func reconcileNetworkVersion(storageDir, current string) error {
	path := filepath.Join(storageDir, networkVersionFile)
	prev, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh store, nothing to wipe
	case err != nil:
		return err
	case string(prev) != current:
		if err := os.RemoveAll(filepath.Join(storageDir, "record_store")); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(filepath.Join(storageDir, "record_store_index.db")); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.WriteFile(path, []byte(current), 0o644)
}
