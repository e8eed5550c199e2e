package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by "rule load".
//
//	rules:
//	  - source: SELECT 1
//	    target: SELECT 2
//	    scope: app
type SeedFile struct {
	Rules []SeedRule `yaml:"rules"`
}

// LoadSeedFile reads seed rules from a YAML file. Unknown fields are errors.
func LoadSeedFile(path string) ([]SeedRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) ([]SeedRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return []SeedRule{}, nil
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, r := range f.Rules {
		if r.Source == "" || r.Target == "" {
			return nil, fmt.Errorf("seed rule %d: source and target are required", i+1)
		}
	}
	if f.Rules == nil {
		f.Rules = []SeedRule{}
	}
	return f.Rules, nil
}
