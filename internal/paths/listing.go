package paths

import (
	"sort"
	"strings"
)

// Child is one element of a folder listing derived from flat keys.
type Child struct {
	// Path is the normalized logical path of the child.
	Path string
	// IsDir is set for synthetic folders and folder markers.
	IsDir bool
	// Key is the object key for file children; empty for folders.
	Key string
}

// Children derives the listing of folder dir from the object keys found under
// its prefix. Non-recursive listings return immediate children only, grouping
// deeper keys into one synthetic folder per first segment. Recursive listings
// return every file plus every intermediate folder. The marker of dir itself
// is never listed. The result is sorted by path with folders and files
// interleaved.
func (t *Translator) Children(dir string, keys []string, recursive bool) ([]Child, error) {
	prefix, err := t.Prefix(dir)
	if err != nil {
		return nil, err
	}
	base, _ := Normalize(dir)

	dirs := make(map[string]struct{})
	var files []Child
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rel := key[len(prefix):]
		marker := IsMarkerKey(rel)
		rel = strings.Trim(rel, Separator)
		if rel == "" {
			continue
		}
		segs := strings.Split(rel, Separator)
		if !recursive {
			if len(segs) > 1 || marker {
				dirs[Join(base, segs[0])] = struct{}{}
				continue
			}
			files = append(files, Child{Path: Join(base, rel), Key: key})
			continue
		}
		// Every ancestor below dir is a folder.
		last := len(segs) - 1
		if marker {
			last = len(segs)
		}
		for i := 1; i <= last; i++ {
			dirs[Join(base, strings.Join(segs[:i], Separator))] = struct{}{}
		}
		if !marker {
			files = append(files, Child{Path: Join(base, rel), Key: key})
		}
	}

	out := make([]Child, 0, len(dirs)+len(files))
	for d := range dirs {
		out = append(out, Child{Path: d, IsDir: true})
	}
	out = append(out, files...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == out[j].Path {
			return out[i].IsDir && !out[j].IsDir
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
