// internal/store/store.go
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

var (
	ErrNotFound      = errors.New("snapshot not found")
	ErrInvalidSender = errors.New("invalid sender")
)

// Snapshot is the last device list received from one sender, stored verbatim.
type Snapshot struct {
	Sender    string
	Data      []byte
	UpdatedAt time.Time
}

// Store keeps one snapshot per sender. Replace is atomic: readers see either
// the previous snapshot or the new one.
type Store interface {
	Replace(sender string, data []byte) error
	Get(sender string) (Snapshot, error)
	List() ([]Snapshot, error)
	Delete(sender string) error
	Close() error
}

// Open returns the backend named by kind rooted at home.
func Open(kind, home string) (Store, error) {
	switch kind {
	case "", BackendFile:
		return NewFileStore(filepath.Join(home, "snapshots"))
	case BackendBadger:
		return OpenBadger(filepath.Join(home, "snapshots.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// ValidateSender rejects sender names that cannot safely become a file name
// or key segment.
func ValidateSender(sender string) error {
	switch {
	case sender == "", sender == ".", sender == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	case strings.HasPrefix(sender, "."):
		return fmt.Errorf("%w: leading dot in %q", ErrInvalidSender, sender)
	case strings.ContainsAny(sender, "/\\\x00"):
		return fmt.Errorf("%w: path separator in %q", ErrInvalidSender, sender)
	case len(sender) > 255:
		return fmt.Errorf("%w: name too long", ErrInvalidSender)
	}
	return nil
}
