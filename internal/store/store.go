package store

import (
	"fmt"
	"os"
)

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// RequireNonEmptyDir is the shared stage precondition: the input
// directory must exist and contain at least one entry. A pipeline run
// whose primary variables changed between stages would otherwise let a
// stage silently consume an absent or stale directory.
func RequireNonEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("input directory %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("input directory %s is empty", dir)
	}
	return nil
}

// MissingIDs reports which ids of the list have no artifact according
// to the given existence predicate, preserving list order.
func MissingIDs(list *ImageList, has func(id string) bool) []string {
	var missing []string
	for _, id := range list.IDs() {
		if !has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// RequireComplete turns a missing-id set into the hard precondition
// error every stage raises before touching any input.
func RequireComplete(what string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > 5 {
		return fmt.Errorf("%s incomplete: %d ids missing (first: %v)", what, len(missing), missing[:5])
	}
	return fmt.Errorf("%s incomplete: missing ids %v", what, missing)
}
