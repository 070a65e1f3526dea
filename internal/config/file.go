package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads schedule parameters from a YAML file. Keys missing from the file keep
// their built-in defaults; unknown keys are rejected.
func LoadFile(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to read schedule config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML schedule parameters on top of Defaults.
func Parse(data []byte) (Schedule, error) {
	s := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Schedule{}, fmt.Errorf("failed to parse schedule config: %w", err)
	}
	return s, nil
}
