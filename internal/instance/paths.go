// Package instance lays out the per-instance state directory under
// ~/.chanmirror. Each instance runs its own daemon against its own store.
package instance

import (
	"os"
	"path/filepath"
)

// BaseDirEnv relocates the state root, mainly for tests and containers.
const BaseDirEnv = "CHANMIRROR_HOME"

// BaseDir returns ~/.chanmirror, or $CHANMIRROR_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(BaseDirEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chanmirror")
}

// InstancesDir holds one directory per instance.
func InstancesDir() string {
	return filepath.Join(BaseDir(), "instances")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(InstancesDir(), name)
}

// Paths is the file layout inside one instance directory.
type Paths struct {
	Root string
}

// For returns the layout of the named instance.
func For(name string) Paths {
	return Paths{Root: Dir(name)}
}

// At returns the same layout rooted at an arbitrary directory.
func At(dir string) Paths {
	return Paths{Root: dir}
}

// Socket is the daemon's gRPC Unix socket.
func (p Paths) Socket() string { return filepath.Join(p.Root, "daemon.sock") }

// DB is the SQLite store.
func (p Paths) DB() string { return filepath.Join(p.Root, "mirror.db") }

// IndexDB is the outbox of entries waiting for the indexer.
func (p Paths) IndexDB() string { return filepath.Join(p.Root, "index.db") }

// Channels holds the JSON documents of the file store.
func (p Paths) Channels() string { return filepath.Join(p.Root, "channels") }

// Logs is the log directory.
func (p Paths) Logs() string { return filepath.Join(p.Root, "logs") }

// Log is the daemon log file.
func (p Paths) Log() string { return filepath.Join(p.Logs(), "mirrord.log") }

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	p := For(name)
	for _, d := range []string{p.Root, p.Logs()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of instances that have a directory.
func List() ([]string, error) {
	entries, err := os.ReadDir(InstancesDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
