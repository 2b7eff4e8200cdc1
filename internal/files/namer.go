package files

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	fallbackName = "file"
	// longest single path segment most filesystems accept
	maxNameBytes = 255
)

// CleanName maps a client supplied filename onto [A-Za-z0-9._-]. Directory
// components and leading dots are dropped. A name that was only an
// extension keeps it behind a placeholder stem.
func CleanName(original string) string {
	base := path.Base(strings.ReplaceAll(original, `\`, "/"))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	mapped := b.String()
	clean := strings.TrimLeft(mapped, ".")
	switch {
	case clean == "":
		return fallbackName
	case clean != mapped && !strings.Contains(clean, "."):
		return fallbackName + "." + clean
	}
	return clean
}

// StorageName builds the on-disk name for an upload. It is a pure function
// of its inputs and never longer than maxNameBytes.
func StorageName(original string, now time.Time, nonce string) string {
	prefix := strconv.FormatInt(now.UnixNano(), 10) + "-" + nonce + "-"
	return prefix + truncateName(CleanName(original), maxNameBytes-len(prefix))
}

// truncateName shortens the stem of a cleaned name so the whole fits in
// limit bytes, keeping the extension when there is room for it.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	if len(ext) >= limit/2 {
		return name[:limit]
	}
	return name[:limit-len(ext)] + ext
}

// Namer produces storage names from the current time and a random nonce.
type Namer struct {
	Now   func() time.Time
	Nonce func() string
}

// NewNamer returns a Namer using the wall clock and UUID-derived nonces.
func NewNamer() *Namer {
	return &Namer{
		Now: time.Now,
		Nonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		},
	}
}

// Name returns a fresh storage name for original.
func (n *Namer) Name(original string) string {
	return StorageName(original, n.Now(), n.Nonce())
}
