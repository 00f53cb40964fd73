package quotes

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ExportJSON writes the index as a time_key -> entries JSON object, the
// same shape the original quotes.json carried. Written atomically so a
// reader of the file never sees a torn document.
func (idx *Index) ExportJSON(path string) error {
	out := make(map[string][]Entry, len(idx.byTime))
	for k, v := range idx.byTime {
		out[k] = v
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".quotes-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
