package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const configHeader = `# dbvault configuration
#
# Every key can be overridden with an environment variable prefixed by
# DBVAULT_, e.g. DBVAULT_DATABASE_PASSWORD or DBVAULT_STORAGE_S3_BUCKET.
# Passwords are handed to pg_dump/mysqldump through the environment only.
`

// WriteDefault writes a default configuration file to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file %s already exists", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := Marshal(Default())
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Marshal renders cfg as YAML with the standard header
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	humanizeDurations(&node)

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return buf.Bytes(), nil
}

var durationKeys = map[string]bool{
	"connect_timeout": true,
	"sweep_interval":  true,
	"timeout":         true,
}

// humanizeDurations rewrites nanosecond integers under duration keys as
// strings such as "1h0m0s", which viper decodes back into time.Duration.
func humanizeDurations(node *yaml.Node) {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if durationKeys[key.Value] && value.Kind == yaml.ScalarNode && value.Tag == "!!int" {
				if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
					value.Value = time.Duration(n).String()
					value.Tag = "!!str"
				}
			}
		}
	}
	for _, child := range node.Content {
		humanizeDurations(child)
	}
}
