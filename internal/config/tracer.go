package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TracerConfig is the tracer's JSON config file.
type TracerConfig struct {
	IgnoreSyscalls []string `json:"ignore_syscalls"`
}

// LoadTracerConfig reads and parses path. An empty file is an error.
func LoadTracerConfig(path string) (*TracerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tracer config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: tracer config %s is empty", ErrParse, path)
	}

	var cfg TracerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: tracer config %s: %w", ErrParse, path, err)
	}
	return &cfg, nil
}

// IgnoreList returns the ignored syscalls joined with ", ".
func (c *TracerConfig) IgnoreList() string {
	return strings.Join(c.IgnoreSyscalls, ", ")
}
