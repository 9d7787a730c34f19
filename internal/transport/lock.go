package transport

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrPortBusy is returned when another process holds the port lock.
var ErrPortBusy = errors.New("port is in use by another process")

// LockFilePath is the advisory lock file guarding portPath.
func LockFilePath(dir, portPath string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	name := strings.Trim(strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(portPath), "_")
	return filepath.Join(dir, "nuvoisp-"+name+".lock")
}

// lockPort takes a non-blocking exclusive lock for portPath so that two
// nuvoisp processes never interleave packets on one device.
func lockPort(dir, portPath string) (*flock.Flock, error) {
	path := LockFilePath(dir, portPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create lock directory for %s", portPath)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrapf(ErrPortBusy, "%s (lock %s)", portPath, path)
	}
	return fl, nil
}
