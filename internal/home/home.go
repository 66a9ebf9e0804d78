// Package home manages the graylogd data directory layout.
//
// The data directory owns all persistent node state:
//
//	<root>/
//	  node_id                          (persistent node identity, UUIDv7)
//	  node_name                        (human-readable node name)
//	  raft/
//	    raft.db                        (boltdb: raft log + stable store)
//	    snapshots/                     (raft file snapshot store)
//	  storage/                         (file storage backend)
//	    indices/<index>/               (one dir per index)
//	    aliases/<alias>                (write alias symlink)
//	  geoip/                           (MaxMind databases)
//	  state/tail/<input>.json          (file input bookmarks)
//	  state/docker/<input>.json        (container log bookmarks)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// Dir represents a graylogd data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir under the platform's user config directory,
// e.g. ~/.config/graylogd on Linux.
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "graylogd")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// RaftDir returns the directory for Raft persistent state.
func (d Dir) RaftDir() string {
	return filepath.Join(d.root, "raft")
}

// StorageDir returns the directory of the file storage backend.
func (d Dir) StorageDir() string {
	return filepath.Join(d.root, "storage")
}

// GeoIPDir returns the default location for MaxMind databases.
func (d Dir) GeoIPDir() string {
	return filepath.Join(d.root, "geoip")
}

// StateDir returns the directory for input state such as file bookmarks.
func (d Dir) StateDir() string {
	return filepath.Join(d.root, "state")
}

// EnsureExists creates the data directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", d.root, err)
	}
	return nil
}

// NodeID reads the persistent node identity from <root>/node_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) NodeID() (string, error) {
	return d.readOrCreate("node_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// NodeName reads the node's display name from <root>/node_name, generating
// a two-word name such as "brave-otter" on first use.
func (d Dir) NodeName() (string, error) {
	return d.readOrCreate("node_name", GenerateName)
}

// GenerateName returns a random two-word node name.
func GenerateName() string {
	return petname.Generate(2, "-")
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is data dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: node-id file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
