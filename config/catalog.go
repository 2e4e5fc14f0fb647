package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/stats"
)

// CatalogFile is the YAML file parents edit: the badge ladder, the ladder
// policy and how much statistics history to keep.
type CatalogFile struct {
	Policy    badge.Policy    `yaml:"policy"`
	Retention stats.Retention `yaml:"retention"`
	Badges    []badge.Badge   `yaml:"badges"`
}

// Engine is a loaded and validated catalog file.
type Engine struct {
	Catalog   *badge.Catalog
	Policy    badge.Policy
	Retention stats.Retention
}

// LoadCatalog reads and validates the catalog file at path.
func LoadCatalog(path string) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	engine, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return engine, nil
}

// ParseCatalog decodes a catalog document. Unknown fields are rejected so a
// misspelt maintenance field fails loudly instead of disabling maintenance.
// A missing policy means strict and missing retention means the default.
func ParseCatalog(r io.Reader) (*Engine, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var file CatalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty catalog")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}

	if file.Policy == "" {
		file.Policy = badge.PolicyStrict
	}
	if !file.Policy.IsValid() {
		return nil, fmt.Errorf("unknown policy %q", file.Policy)
	}
	if file.Retention == nil {
		file.Retention = stats.DefaultRetention()
	}
	if err := file.Retention.Validate(); err != nil {
		return nil, err
	}

	catalog, err := badge.NewCatalog(file.Badges)
	if err != nil {
		return nil, err
	}

	return &Engine{Catalog: catalog, Policy: file.Policy, Retention: file.Retention}, nil
}

// ResolvePolicy applies the configured override and the strict_demotion
// flag on top of the catalog's policy.
func (e *Engine) ResolvePolicy(override string, flags *FeatureFlags) badge.Policy {
	if override != "" {
		return badge.Policy(override)
	}
	if flags != nil && !flags.IsEnabled(FeatureStrictDemotion, "") {
		return badge.PolicyIndependent
	}
	return e.Policy
}
