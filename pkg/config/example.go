package config

import (
	_ "embed"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Example is a commented config file listing every key with its default.
//
//go:embed mcpcheck.example.toml
var Example string

// WriteTOML encodes c as a config file.
func (c *Config) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}
