package bbpdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// SignalFile is the name of the marker spec.md section 4.5/6 uses to
// request a post-commit tail-heap rename pass; it is only safe to act
// on after the following commit succeeds. WriteSignal creates it;
// ReadDir never does, even for a pre-rename directory.
const SignalFile = "needstrbatmove"

// WriteSignal drops the (empty) rename-pending marker in dir.
func WriteSignal(dir string) error {
	path := filepath.Join(dir, SignalFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bbpdir: write signal %s: %w", path, err)
	}
	return f.Close()
}

// HasSignal reports whether the rename-pending marker is present.
func HasSignal(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SignalFile))
	return err == nil
}

// ClearSignal removes the rename-pending marker once the rename pass
// has completed.
func ClearSignal(dir string) error {
	err := os.Remove(filepath.Join(dir, SignalFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bbpdir: clear signal in %s: %w", dir, err)
	}
	return nil
}
