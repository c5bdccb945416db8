// Package paths maps logical slash-separated paths onto backend object keys
// and back. It never decodes or encodes URL escapes; keys are raw bytes as far
// as the translator is concerned.
package paths

import (
	"strings"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// Separator is the only path separator keys use.
const Separator = "/"

// Normalize converts p to canonical form: backslashes become slashes, empty
// and "." segments are dropped, and leading and trailing slashes are trimmed.
// A ".." segment or a NUL byte is rejected with ErrInvalidPath. The root path
// normalizes to "".
func Normalize(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", fserr.ErrInvalidPath.WithPath(p).WithMessage("path contains a NUL byte")
	}
	p = strings.ReplaceAll(p, `\`, Separator)
	segs := strings.Split(p, Separator)
	out := segs[:0]
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", fserr.ErrInvalidPath.WithPath(p).WithMessage("path contains a parent directory segment")
		}
		out = append(out, s)
	}
	return strings.Join(out, Separator), nil
}

// Parent returns the parent of a normalized path; the parent of a top-level
// entry is the root "".
func Parent(p string) string {
	i := strings.LastIndex(p, Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Base returns the last segment of a normalized path.
func Base(p string) string {
	return p[strings.LastIndex(p, Separator)+1:]
}

// Ext returns the lower-cased extension of the last segment including the
// leading dot, or "" when there is none. Dotfiles like ".env" have no extension.
func Ext(p string) string {
	b := Base(p)
	i := strings.LastIndexByte(b, '.')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(b[i:])
}

// Join joins normalized paths, skipping empty elements.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, Separator)
}

// Within reports whether p is ancestor itself or lies below it. Every path is
// within the root.
func Within(p, ancestor string) bool {
	if ancestor == "" || p == ancestor {
		return true
	}
	return strings.HasPrefix(p, ancestor+Separator)
}
