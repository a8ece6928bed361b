// Package manifest reads and writes the INI file that records every model
// download so the same set can be reproduced on another machine.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const (
	TypeFile      = "file"
	TypeDirectory = "huggingface_directory"

	// TimestampLayout is the format of the timestamp key.
	TimestampLayout = "2006-01-02 15:04:05"

	// DefaultFilename is the manifest name used when no path is configured.
	DefaultFilename = "models.ini"
)

// Entry is either a FileEntry or a DirectoryEntry.
type Entry interface {
	Type() string
	identity() string
}

// FileEntry records one single-file download.
type FileEntry struct {
	URL          string
	Subdirectory string
	Filename     string
	Filepath     string // Relative to the models root, slash separated
	Hash         string
	Timestamp    time.Time
}

func (FileEntry) Type() string { return TypeFile }

func (e FileEntry) identity() string {
	if e.Filepath != "" {
		return e.Filepath
	}

	if p := strings.Trim(e.Subdirectory+"/"+e.Filename, "/"); p != "" {
		return p
	}

	return e.URL
}

// DirectoryEntry records one repository tree download.
type DirectoryEntry struct {
	ModelID      string
	Path         string // Optional directory inside the repository
	SaveFolder   string
	Revision     string
	ExcludeFiles []string
	FileCount    int
	Timestamp    time.Time
}

func (DirectoryEntry) Type() string { return TypeDirectory }

func (e DirectoryEntry) identity() string {
	if e.Path != "" {
		return e.ModelID + "/" + e.Path
	}

	return e.ModelID
}

// StructureEqual reports whether two directory entries describe the same remote
// structure: file count, revision and exclusions.
func (e DirectoryEntry) StructureEqual(other DirectoryEntry) bool {
	if e.FileCount != other.FileCount || e.Revision != other.Revision {
		return false
	}

	return strings.Join(e.ExcludeFiles, ",") == strings.Join(other.ExcludeFiles, ",")
}

// SectionName derives the unique section name of an entry: the target path for
// files and the repository identifier for directories, with every rune outside
// [A-Za-z0-9_-] replaced by an underscore.
func SectionName(e Entry) string {
	return normalizeName(e.identity())
}

func normalizeName(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}

// Manifest is an ordered mapping from section name to entry.
type Manifest struct {
	order   []string
	entries map[string]Entry

	// unparsed keeps skipped sections verbatim so a rewrite preserves them.
	unparsed map[string][][2]string

	// Warnings lists the sections skipped during Parse.
	Warnings []*transfer.ManifestParseWarning
}

func New() *Manifest {
	return &Manifest{
		entries:  make(map[string]Entry),
		unparsed: make(map[string][][2]string),
	}
}

// NamedEntry is an entry together with its section name.
type NamedEntry struct {
	Name  string
	Entry Entry
}

// Entries returns the entries in file order.
func (m *Manifest) Entries() []NamedEntry {
	out := make([]NamedEntry, 0, len(m.entries))

	for _, name := range m.order {
		if e, ok := m.entries[name]; ok {
			out = append(out, NamedEntry{Name: name, Entry: e})
		}
	}

	return out
}

// Len returns the number of valid entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

func (m *Manifest) Get(name string) (Entry, bool) {
	e, ok := m.entries[name]

	return e, ok
}

// Set stores e under its derived section name, keeping the position of an
// existing section.
func (m *Manifest) Set(e Entry) string {
	name := SectionName(e)
	m.setNamed(name, e)

	return name
}

// LookupDirectory finds the directory entry recording the same repository
// directory as e. A non-empty section is authoritative. Otherwise the derived
// section name is tried first, then any section with the same model id and
// path, so hand-named sections are matched too.
func (m *Manifest) LookupDirectory(section string, e DirectoryEntry) (string, DirectoryEntry, bool) {
	if section != "" {
		found, ok := m.entries[section].(DirectoryEntry)

		return section, found, ok
	}

	if name := SectionName(e); name != "" {
		if found, ok := m.entries[name].(DirectoryEntry); ok && found.identity() == e.identity() {
			return name, found, true
		}
	}

	for _, name := range m.order {
		if found, ok := m.entries[name].(DirectoryEntry); ok && found.identity() == e.identity() {
			return name, found, true
		}
	}

	return "", DirectoryEntry{}, false
}

func (m *Manifest) setNamed(name string, e Entry) {
	if !m.has(name) {
		m.order = append(m.order, name)
	}

	delete(m.unparsed, name)
	m.entries[name] = e
}

func (m *Manifest) has(name string) bool {
	_, parsed := m.entries[name]
	_, raw := m.unparsed[name]

	return parsed || raw
}

func (m *Manifest) remove(name string) {
	if !m.has(name) {
		return
	}

	delete(m.entries, name)
	delete(m.unparsed, name)

	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)

			break
		}
	}
}

func (m *Manifest) warn(section, reason string) {
	m.Warnings = append(m.Warnings, &transfer.ManifestParseWarning{Section: section, Reason: reason})
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return Parse(data)
}

// Parse decodes a manifest. Malformed sections are skipped and reported in
// Warnings; only a syntactically broken file is an error.
func Parse(data []byte) (*Manifest, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m := New()
	byPath := make(map[string]string)

	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}

		entry, reason := parseSection(sec)
		if entry == nil {
			m.warn(name, reason)
			m.keepUnparsed(sec)

			continue
		}

		if fe, ok := entry.(FileEntry); ok {
			target := fe.identity()
			if prev, dup := byPath[target]; dup && prev != name {
				m.warn(prev, fmt.Sprintf("target path %s is also declared by [%s], keeping the later entry", target, name))
				m.remove(prev)
			}

			byPath[target] = name
		}

		m.setNamed(name, entry)
	}

	return m, nil
}

func (m *Manifest) keepUnparsed(sec *ini.Section) {
	keys := sec.Keys()
	pairs := make([][2]string, 0, len(keys))

	for _, k := range keys {
		pairs = append(pairs, [2]string{k.Name(), k.String()})
	}

	if !m.has(sec.Name()) {
		m.order = append(m.order, sec.Name())
	}

	m.unparsed[sec.Name()] = pairs
}

func parseSection(sec *ini.Section) (Entry, string) {
	get := func(key string) string {
		if !sec.HasKey(key) {
			return ""
		}

		return strings.TrimSpace(sec.Key(key).String())
	}

	ts := parseTimestamp(get("timestamp"))

	switch typ := get("type"); typ {
	case "", TypeFile:
		e := FileEntry{
			URL:          get("url"),
			Subdirectory: get("subdirectory"),
			Filename:     get("filename"),
			Filepath:     get("filepath"),
			Hash:         get("hash"),
			Timestamp:    ts,
		}

		if e.URL == "" {
			return nil, "missing required key url"
		}

		return e, ""
	case TypeDirectory:
		e := DirectoryEntry{
			ModelID:      get("model_id"),
			Path:         get("path"),
			SaveFolder:   get("save_folder"),
			Revision:     get("revision"),
			ExcludeFiles: splitList(get("exclude_files")),
			Timestamp:    ts,
		}

		if e.ModelID == "" {
			return nil, "missing required key model_id"
		}

		if e.SaveFolder == "" {
			return nil, "missing required key save_folder"
		}

		if raw := get("file_count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, fmt.Sprintf("invalid file_count %q", raw)
			}

			e.FileCount = n
		}

		return e, ""
	default:
		return nil, fmt.Sprintf("unknown type %q", typ)
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	ts, err := time.ParseInLocation(TimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}

	return ts
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// WriteTo encodes the manifest in INI form.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	f := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})

	for _, name := range m.order {
		sec, err := f.NewSection(name)
		if err != nil {
			return 0, fmt.Errorf("failed to create section %s: %w", name, err)
		}

		if e, ok := m.entries[name]; ok {
			err = writeSection(sec, e)
		} else {
			err = writeKeys(sec, m.unparsed[name])
		}

		if err != nil {
			return 0, fmt.Errorf("failed to write section %s: %w", name, err)
		}
	}

	return f.WriteTo(w)
}

func writeSection(sec *ini.Section, e Entry) error {
	var pairs [][2]string

	switch v := e.(type) {
	case FileEntry:
		pairs = [][2]string{
			{"url", v.URL},
			{"subdirectory", v.Subdirectory},
			{"filename", v.Filename},
			{"filepath", v.Filepath},
			{"hash", v.Hash},
			{"timestamp", formatTimestamp(v.Timestamp)},
		}
	case DirectoryEntry:
		pairs = [][2]string{
			{"type", TypeDirectory},
			{"model_id", v.ModelID},
		}

		if v.Path != "" {
			pairs = append(pairs, [2]string{"path", v.Path})
		}

		pairs = append(pairs,
			[2]string{"save_folder", v.SaveFolder},
			[2]string{"revision", v.Revision},
			[2]string{"exclude_files", strings.Join(v.ExcludeFiles, ",")},
			[2]string{"file_count", strconv.Itoa(v.FileCount)},
			[2]string{"timestamp", formatTimestamp(v.Timestamp)},
		)
	default:
		return fmt.Errorf("unsupported entry type %T", e)
	}

	return writeKeys(sec, pairs)
}

func writeKeys(sec *ini.Section, pairs [][2]string) error {
	for _, kv := range pairs {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}

	return nil
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}

	return ts.Format(TimestampLayout)
}

// Save writes the manifest atomically: a temporary file in the same directory
// is renamed over path.
func Save(path string, m *Manifest) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest: %w", err)
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = m.WriteTo(tmp); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}

// ResolvePath normalizes a user supplied manifest location. Blank input yields
// defaultPath; surrounding quotes and whitespace are stripped, backslashes are
// treated as separators and a leading ~ expands to the home directory.
func ResolvePath(raw, defaultPath string) string {
	p := strings.TrimSpace(raw)

	for len(p) >= 2 && (p[0] == '"' || p[0] == '\'') && p[len(p)-1] == p[0] {
		p = strings.TrimSpace(p[1 : len(p)-1])
	}

	if p == "" {
		p = defaultPath
	}

	p = strings.ReplaceAll(p, `\`, "/")

	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + strings.TrimPrefix(p, "~")
		}
	}

	return filepath.Clean(filepath.FromSlash(p))
}

// IsNotExist reports whether err means the manifest file is absent.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
