package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeLoader overlays included files onto a config. Fragments usually
// carry bootstrap seeds, so with seeds every file's agent and task seeds are
// collected in include order instead of being overwritten by the next file.
type includeLoader struct {
	visited map[string]bool
	seeds   BootstrapConfig
}

func newIncludeLoader(rootPath string) *includeLoader {
	return &includeLoader{visited: map[string]bool{rootPath: true}}
}

// load applies every include of cfg, declared in the file at dir, and
// returns the seeds collected from the included files.
func (l *includeLoader) load(cfg *Config, dir string) (BootstrapConfig, error) {
	if err := l.walk(cfg, dir, 0); err != nil {
		return BootstrapConfig{}, err
	}
	return l.seeds, nil
}

func (l *includeLoader) walk(cfg *Config, dir string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, dir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if l.visited[p] {
				return fmt.Errorf("config includes: circular include detected for %q", p)
			}
			l.visited[p] = true
			if err := l.overlay(cfg, p, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// overlay unmarshals one file onto cfg, moves its seeds aside and follows
// its own includes relative to its directory.
func (l *includeLoader) overlay(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Bootstrap = BootstrapConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	l.seeds = mergeSeeds(l.seeds, cfg.Bootstrap)
	cfg.Bootstrap = BootstrapConfig{}

	if len(cfg.Includes) == 0 {
		return nil
	}
	return l.walk(cfg, filepath.Dir(path), depth)
}

// expandInclude resolves pattern against dir into absolute paths. Paths may
// not leave dir. A literal path that does not exist is returned as is so
// the read reports it; a glob without matches yields nothing.
func expandInclude(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(dir, pattern); err == nil {
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
		}
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		matches = []string{pattern}
	}
	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", m, err)
		}
		matches[i] = abs
	}
	return matches, nil
}
