// Package persist mirrors the backend registry's URL list to a JSON file
// on disk so the roster survives a restart. It never fails startup: a
// missing or malformed file is treated as an empty roster.
package persist

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// roster is the on-disk shape: {"backends": ["https://host:port", ...]}.
type roster struct {
	Backends []string `json:"backends"`
}

// Persister reads and writes the roster file at Path.
type Persister struct {
	Path string
}

// New returns a Persister for the given file path.
func New(path string) *Persister {
	return &Persister{Path: path}
}

// Load reads the persistence file and returns its URL list. If the file is
// absent, unreadable, or not valid JSON in the expected shape, it logs a
// warning and returns an empty list — startup always proceeds.
func (p *Persister) Load() []string {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("persist: backends file not found, starting empty", "path", p.Path)
		} else {
			slog.Warn("persist: could not read backends file", "path", p.Path, "error", err)
		}
		return nil
	}

	var r roster
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Warn("persist: backends file is malformed, ignoring", "path", p.Path, "error", err)
		return nil
	}
	if r.Backends == nil {
		slog.Warn("persist: backends file has no backends list, ignoring", "path", p.Path)
		return nil
	}

	return r.Backends
}

// Save serializes urls as {"backends": [...]} with two-space indentation
// and atomically replaces the file contents (write to a temp file in the
// same directory, then rename, so a crash mid-write never leaves a
// truncated roster on disk). A failure is logged and swallowed — the
// in-memory registry state is never rolled back because of it; the next
// successful save re-establishes durability.
func (p *Persister) Save(urls []string) {
	if err := p.save(urls); err != nil {
		slog.Error("persist: failed to write backends file", "path", p.Path, "error", err)
	}
}

func (p *Persister) save(urls []string) error {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.MarshalIndent(roster{Backends: urls}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.Path)
	tmp, err := os.CreateTemp(dir, ".backends-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, p.Path); err != nil {
		return err
	}

	slog.Info("persist: wrote backends file", "path", p.Path, "count", len(urls))
	return nil
}
