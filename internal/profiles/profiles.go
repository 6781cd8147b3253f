// Package profiles loads the terminal profile catalog: named shell
// configurations (path, args, environment) used as defaults for new sessions
// and during revival environment composition.
package profiles

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-yaml"
)

// Profile describes one named shell configuration.
type Profile struct {
	Path  string            `yaml:"path"`
	Args  []string          `yaml:"args,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
	Icon  string            `yaml:"icon,omitempty"`
	Color string            `yaml:"color,omitempty"`
}

// Catalog is the loaded profile set.
type Catalog struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return Parse(data)
}

// Parse parses a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if catalog.Profiles == nil {
		catalog.Profiles = map[string]Profile{}
	}
	if catalog.Default != "" {
		if _, ok := catalog.Profiles[catalog.Default]; !ok {
			return nil, fmt.Errorf("default profile %q not defined", catalog.Default)
		}
	}
	return &catalog, nil
}

// Builtin returns the fallback catalog used when no profiles file is
// configured.
func Builtin() *Catalog {
	shell := os.Getenv("SHELL")
	if shell == "" {
		if runtime.GOOS == "windows" {
			shell = "powershell.exe"
		} else {
			shell = "/bin/bash"
		}
	}
	return &Catalog{
		Default: "system",
		Profiles: map[string]Profile{
			"system": {Path: shell},
		},
	}
}

// Get returns a profile by name.
func (c *Catalog) Get(name string) (Profile, bool) {
	p, ok := c.Profiles[name]
	return p, ok
}

// DefaultProfile returns the configured default profile, or a zero profile
// when none is set.
func (c *Catalog) DefaultProfile() Profile {
	if p, ok := c.Profiles[c.Default]; ok {
		return p
	}
	return Profile{}
}

// Names lists the defined profile names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	return names
}
