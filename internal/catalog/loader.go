package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fleetimmune/fleetimmune/internal/model"
)

// signaturePack is the on-disk shape of one YAML signature file.
type signaturePack struct {
	Signatures []model.Signature `yaml:"signatures"`
}

// LoadDir loads every *.yaml/*.yml file in dir into the catalog. Files are
// read in lexical order so catalog insertion order (and therefore match
// precedence) is deterministic. Invalid files and invalid signatures are
// skipped with a warning; only an unreadable directory is an error.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read signature directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	loaded := 0
	for _, file := range files {
		n, err := c.loadFile(file)
		if err != nil {
			c.logger.Warn("Failed to load signature pack", "file", file, "error", err)
			continue
		}
		loaded += n
	}

	c.logger.Info("Signature catalog loaded", "dir", dir, "files", len(files), "signatures", loaded)
	return nil
}

func (c *Catalog) loadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var pack signaturePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return 0, fmt.Errorf("parse yaml: %w", err)
	}

	loaded := 0
	for _, sig := range pack.Signatures {
		if err := c.Add(sig); err != nil {
			c.logger.Warn("Invalid signature skipped", "file", path, "signature_id", sig.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}
