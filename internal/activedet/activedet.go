// Package activedet reads and writes the active-detectors file that
// declares which aliases a platform expects at rollcall.
package activedet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/daqctl/internal/registry"
	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// BypassPath disables the file entirely.
const BypassPath = "/dev/null"

var (
	ErrNotFound  = errors.New("activedet: file not found")
	ErrMalformed = errors.New("activedet: malformed file")
)

type Entry struct {
	Active  int               `json:"active"`
	DetInfo *registry.DetInfo `json:"det_info,omitempty"`
}

// File is {"activedet": {level: {alias: entry}}}.
type File struct {
	ActiveDet map[string]map[string]Entry `json:"activedet"`
}

// IsBypass reports whether path means "no file".
func IsBypass(path string) bool {
	path = strings.TrimSpace(path)
	return path == "" || path == BypassPath
}

// DefaultPath is ~/.psdaq/p<platform>.activedet.json.
func DefaultPath(platform int) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".psdaq", fmt.Sprintf("p%d.activedet.json", platform))
}

// Load reads path, tolerating comments and trailing commas.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return File{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (File, error) {
	var f File
	if err := json.Unmarshal(jsonc.ToJSON(raw), &f); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.ActiveDet == nil {
		return File{}, fmt.Errorf("%w: missing activedet key", ErrMalformed)
	}
	return f, nil
}

// Required is the set of "<level>/<alias>" keys marked active.
func (f File) Required() map[string]struct{} {
	out := make(map[string]struct{})
	for level, aliases := range f.ActiveDet {
		for alias, e := range aliases {
			if e.Active != 0 {
				out[level+"/"+alias] = struct{}{}
			}
		}
	}
	return out
}

// Lookup finds the entry for level/alias regardless of its active flag.
func (f File) Lookup(level, alias string) (Entry, bool) {
	aliases, ok := f.ActiveDet[level]
	if !ok {
		return Entry{}, false
	}
	e, ok := aliases[alias]
	return e, ok
}

// FromRegistry snapshots every aliased worker node. When an alias is
// claimed twice an active node wins over an inactive one.
func FromRegistry(reg *registry.Registry) File {
	f := File{ActiveDet: map[string]map[string]Entry{}}
	for _, level := range reg.Levels() {
		if level == registry.LevelControl {
			continue
		}
		for _, id := range reg.IDs(level) {
			n, _ := reg.Get(id)
			if n.Proc.Alias == "" {
				continue
			}
			if f.ActiveDet[string(level)] == nil {
				f.ActiveDet[string(level)] = map[string]Entry{}
			}
			if prev, dup := f.ActiveDet[string(level)][n.Proc.Alias]; dup && (prev.Active == 1 || !n.Active) {
				continue
			}
			e := Entry{}
			if n.Active {
				e.Active = 1
			}
			if level == registry.LevelDRP && n.DetInfo != nil {
				di := *n.DetInfo
				e.DetInfo = &di
			}
			f.ActiveDet[string(level)][n.Proc.Alias] = e
		}
	}
	return f
}

// FromPlatform converts a {level: {id: entry}} platform body, as returned by
// getstate, into file form. Entries without an alias are skipped.
func FromPlatform(platform map[string]any) File {
	f := File{ActiveDet: map[string]map[string]Entry{}}
	for level, raw := range platform {
		if level == string(registry.LevelControl) {
			continue
		}
		entries, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, rawEntry := range entries {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			proc, ok := registry.ProcInfoFrom(entry["proc_info"])
			if !ok || proc.Alias == "" {
				continue
			}
			e := Entry{Active: intOf(entry["active"])}
			if level == string(registry.LevelDRP) {
				if di, ok := entry["det_info"].(map[string]any); ok {
					e.DetInfo = &registry.DetInfo{Readout: intOf(di["readout"])}
				}
			}
			if f.ActiveDet[level] == nil {
				f.ActiveDet[level] = map[string]Entry{}
			}
			f.ActiveDet[level][proc.Alias] = e
		}
	}
	return f
}

func intOf(raw any) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Marshal renders f as indented JSON with sorted keys.
func (f File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest hashes the canonical encoding of f.
func (f File) Digest() ([32]byte, error) {
	raw, err := f.Marshal()
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(raw), nil
}

// WriteIfChanged rewrites path only when its content differs from f.
// It returns whether the file was written.
func WriteIfChanged(path string, f File) (bool, error) {
	if IsBypass(path) {
		return false, nil
	}
	next, err := f.Digest()
	if err != nil {
		return false, err
	}
	if cur, err := Load(path); err == nil {
		if prev, err := cur.Digest(); err == nil && prev == next {
			return false, nil
		}
	}
	raw, err := f.Marshal()
	if err != nil {
		return false, err
	}
	if err := Store(path, raw); err != nil {
		return false, err
	}
	return true, nil
}

// Store validates raw as an active-detectors document and writes it.
func Store(path string, raw []byte) error {
	if IsBypass(path) {
		return nil
	}
	if _, err := Parse(raw); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
