package keygen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/systmms/securestore/internal/secure"
)

// SentinelFile marks a directory whose files use the current encryption.
const SentinelFile = "gcmEncryption"

const tempPrefix = ".tmp-"

// Report summarizes one Migrate call.
type Report struct {
	Skipped  bool     // sentinel was already present
	Migrated int      // files re-encrypted
	Current  int      // files already readable with the current key
	Failed   []string // files neither key could open
}

// HasSentinel reports whether dir has been migrated.
func HasSentinel(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, SentinelFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// WriteSentinel creates the empty sentinel file in dir.
func WriteSentinel(dir string) error {
	return WriteFile(filepath.Join(dir, SentinelFile), nil)
}

// Migrate re-encrypts every file in dir from the legacy format under
// legacy to the current format under current, then writes the sentinel.
// Reserved names and the sentinel are skipped. A directory that already
// has the sentinel is left alone. Files that cannot be decrypted are
// reported and left in place.
func Migrate(dir string, legacy, current *secure.Key, reserved ...string) (Report, error) {
	done, err := HasSentinel(dir)
	if err != nil {
		return Report{}, fmt.Errorf("migrate %s: %w", dir, err)
	}
	if done {
		return Report{Skipped: true}, nil
	}

	skip := map[string]bool{SentinelFile: true}
	for _, name := range reserved {
		skip[name] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("migrate %s: %w", dir, err)
	}

	var report Report
	for _, e := range entries {
		name := e.Name()
		if skip[name] || !e.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			report.Failed = append(report.Failed, name)
			continue
		}
		if _, err := secure.Open(current, data); err == nil {
			report.Current++
			continue
		}
		plain, err := secure.OpenLegacy(legacy, data)
		if err != nil {
			report.Failed = append(report.Failed, name)
			continue
		}
		sealed, err := secure.Seal(current, plain)
		secure.Wipe(plain)
		if err != nil {
			return report, fmt.Errorf("migrate %s: %w", path, err)
		}
		if err := WriteFile(path, sealed); err != nil {
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Migrated++
	}

	if err := WriteSentinel(dir); err != nil {
		return report, fmt.Errorf("migrate %s: %w", dir, err)
	}
	return report, nil
}

// WriteFile writes data via a temp file in the same directory, then
// renames it over path.
func WriteFile(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
