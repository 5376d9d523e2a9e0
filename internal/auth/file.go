package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultUsers seeds a users file that does not exist yet.
var DefaultUsers = Table{"alice": "1234", "bob": "abcd"}

// LoadFile reads a username → secret table from path. Files ending in
// .yaml or .yml are parsed as YAML, everything else as JSON. A missing file
// is created with DefaultUsers.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := writeFile(path, DefaultUsers); err != nil {
			return nil, err
		}
		return copyTable(DefaultUsers), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	t := Table{}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &t)
	} else {
		err = json.Unmarshal(data, &t)
	}
	if err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	return t, nil
}

func writeFile(path string, t Table) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(t)
	} else {
		data, err = json.MarshalIndent(t, "", "  ")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create users dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write default users file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func copyTable(t Table) Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
