package paths

import (
	"strings"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// Translator converts between logical paths and object keys for one target.
// All keys live below the target's root prefix.
type Translator struct {
	root string // normalized, with a trailing separator unless empty
}

// NewTranslator returns a Translator for the given key root. The root is
// normalized the same way paths are.
func NewTranslator(root string) (*Translator, error) {
	r, err := Normalize(root)
	if err != nil {
		return nil, err
	}
	if r != "" {
		r += Separator
	}
	return &Translator{root: r}, nil
}

// Root returns the key prefix every key of this target starts with.
func (t *Translator) Root() string { return t.root }

// ToKey normalizes p and prefixes the root. The root path maps to the root
// prefix itself.
func (t *Translator) ToKey(p string) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	if n == "" {
		return strings.TrimSuffix(t.root, Separator), nil
	}
	return t.root + n, nil
}

// FromKey strips the root from key and returns the normalized logical path.
// Marker keys ("a/b/") map to their folder path ("a/b").
func (t *Translator) FromKey(key string) (string, error) {
	if !strings.HasPrefix(key, t.root) {
		if key+Separator == t.root {
			return "", nil
		}
		return "", fserr.ErrInvalidPath.WithPath(key).WithMessage("key is outside the storage root %q", t.root)
	}
	return Normalize(key[len(t.root):])
}

// Prefix returns the listing prefix for the folder at p: its key followed by
// a separator, or the bare root for the root folder.
func (t *Translator) Prefix(p string) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	if n == "" {
		return t.root, nil
	}
	return t.root + n + Separator, nil
}

// MarkerKey returns the key of the zero-byte object that marks p as a folder.
func (t *Translator) MarkerKey(p string) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	if n == "" {
		return "", fserr.ErrInvalidPath.WithMessage("the root folder cannot be created")
	}
	return t.root + n + Separator, nil
}

// IsMarkerKey reports whether key denotes a folder marker.
func IsMarkerKey(key string) bool {
	return strings.HasSuffix(key, Separator)
}
