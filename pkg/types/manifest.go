package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/elliotchance/orderedmap"
)

// ManifestFileEntry records which action produced a given relative path and
// at what privacy level.
type ManifestFileEntry struct {
	CreatedByAction string       `json:"created_by_action"`
	PrivacyLevel    PrivacyLevel `json:"privacy_level"`
}

// ManifestActionEntry is the per-action summary kept in a manifest's
// "actions" object.
type ManifestActionEntry struct {
	Status        State     `json:"status"`
	Commit        string    `json:"commit"`
	DockerImageID string    `json:"docker_image_id"`
	JobID         string    `json:"job_id"`
	RunByUser     string    `json:"run_by_user"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Manifest is the per-workspace JSON inventory at metadata/manifest.json.
// Files is kept lexicographically sorted on every write; Actions preserves
// insertion order so consumers see actions in the order they ran (spec §3)
// — backed by an explicit ordered map rather than relying on Go's
// unordered map type.
type Manifest struct {
	Files   map[string]ManifestFileEntry          `json:"-"`
	Actions *orderedmap.OrderedMap[string, ManifestActionEntry] `json:"-"`
}

// NewManifest returns an empty manifest, the zero value read when no
// manifest file exists yet on disk.
func NewManifest() *Manifest {
	return &Manifest{
		Files:   map[string]ManifestFileEntry{},
		Actions: orderedmap.NewOrderedMap[string, ManifestActionEntry](),
	}
}

// SortedFileNames returns the relative paths in Files, lexicographically
// sorted, matching the on-disk representation.
func (m *Manifest) SortedFileNames() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveFilesCreatedBy deletes every Files entry whose CreatedByAction
// equals action, returning the removed relative paths.
func (m *Manifest) RemoveFilesCreatedBy(action string) []string {
	var removed []string
	for name, entry := range m.Files {
		if entry.CreatedByAction == action {
			removed = append(removed, name)
			delete(m.Files, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// FilesCreatedBy returns the relative paths currently recorded as produced
// by action.
func (m *Manifest) FilesCreatedBy(action string) []string {
	var paths []string
	for name, entry := range m.Files {
		if entry.CreatedByAction == action {
			paths = append(paths, name)
		}
	}
	sort.Strings(paths)
	return paths
}

// SetAction re-inserts action at the end of Actions, so ordering always
// reflects execution order even on re-run.
func (m *Manifest) SetAction(action string, entry ManifestActionEntry) {
	m.Actions.Delete(action)
	m.Actions.Set(action, entry)
}

// manifestJSON is the exact on-disk shape: {"files": {...}, "actions": {...}}
// with actions rendered in insertion order.
type manifestJSON struct {
	Files json.RawMessage `json:"files"`
}

// MarshalJSON renders the manifest with Files sorted lexicographically by
// key and Actions in insertion order, matching spec §6's manifest format.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"files":`)
	filesBuf, err := marshalSortedFiles(m.Files)
	if err != nil {
		return nil, err
	}
	buf.Write(filesBuf)
	buf.WriteString(`,"actions":`)
	actionsBuf, err := marshalOrderedActions(m.Actions)
	if err != nil {
		return nil, err
	}
	buf.Write(actionsBuf)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalSortedFiles(files map[string]ManifestFileEntry) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(files[name])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalOrderedActions(actions *orderedmap.OrderedMap[string, ManifestActionEntry]) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if actions != nil {
		i := 0
		for el := actions.Front(); el != nil; el = el.Next() {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(el.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := json.Marshal(el.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
			i++
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a manifest file, preserving the on-disk order of the
// "actions" object.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Files   json.RawMessage `json:"files"`
		Actions json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}
	files := map[string]ManifestFileEntry{}
	if len(raw.Files) > 0 {
		if err := json.Unmarshal(raw.Files, &files); err != nil {
			return fmt.Errorf("decoding manifest files: %w", err)
		}
	}
	actions := orderedmap.NewOrderedMap[string, ManifestActionEntry]()
	if len(raw.Actions) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw.Actions))
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding manifest actions: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '{' {
			return fmt.Errorf("decoding manifest actions: expected object")
		}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("decoding manifest actions: %w", err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("decoding manifest actions: non-string key")
			}
			var entry ManifestActionEntry
			if err := dec.Decode(&entry); err != nil {
				return fmt.Errorf("decoding manifest action %q: %w", key, err)
			}
			actions.Set(key, entry)
		}
	}
	m.Files = files
	m.Actions = actions
	return nil
}
