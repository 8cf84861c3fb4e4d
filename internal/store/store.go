// Package store reads the CVE list file and writes the results file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/cve-fetcher/pkg/result"
)

// List is the schema of the input file.
type List struct {
	CVEs []string `json:"cves"`
}

// LoadIdentifiers reads {"cves": [...]} from path. Blank entries are
// dropped and surrounding whitespace is trimmed. A missing "cves" field
// yields an empty list.
func LoadIdentifiers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cve list: %w", err)
	}

	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode cve list %s: %w", path, err)
	}

	ids := make([]string, 0, len(list.CVEs))
	for _, id := range list.CVEs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// SaveResults writes payload to path as JSON indented with four spaces.
// The file is written to a temporary sibling and renamed into place.
func SaveResults(path string, payload result.Payload) error {
	data, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close results: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename results: %w", err)
	}
	return nil
}
