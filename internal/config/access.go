package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath returns the effective value at a dot-notation path such as
// "slots.count" or "gates.lint". Defaults and resolved paths are included.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// SetPath writes value at a dot-notation path in the config file, creating
// intermediate mappings as needed. The edited file must still load; otherwise
// the original is restored. A locked config is re-locked after the edit.
func SetPath(configPath, path, value string) error {
	if strings.Trim(path, ".") == "" {
		return fmt.Errorf("empty config path")
	}

	original, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("config file %s is empty", configPath)
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("navigate path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)
	target.Style = 0

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return persistWithValidation(configPath, original, candidate)
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(strings.Trim(path, "."), ".") {
		if current.Kind == yaml.ScalarNode && current.Value == "" && create {
			current.Kind, current.Tag = yaml.MappingNode, "!!map"
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, key, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	if v == "" || v == "-" {
		return "!!str"
	}
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return "!!str"
		}
	}
	return "!!int"
}

func persistWithValidation(configPath string, original, candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(configPath); err == nil {
		mode = info.Mode().Perm()
	}

	locked := isLocked(configPath)
	write := func(data []byte) error {
		if err := os.WriteFile(configPath, data, mode); err != nil {
			return err
		}
		if locked {
			if _, err := WriteChecksums(configPath); err != nil {
				return err
			}
		}
		return nil
	}

	if err := write(candidate); err != nil {
		return fmt.Errorf("persist config change: %w", err)
	}
	if _, err := Load(configPath); err != nil {
		if restoreErr := write(original); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func isLocked(configPath string) bool {
	manifest, err := LoadChecksums(filepath.Dir(configPath))
	if err != nil {
		return false
	}
	_, ok := manifest.Hashes[filepath.Base(configPath)]
	return ok
}
