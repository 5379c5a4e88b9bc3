package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a Job definition from a YAML or JSON file and validates
// it, the CLI's stand-in for submitting a job over the out-of-scope HTTP
// façade.
func LoadFile(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var j Job
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported job file extension %q", ext)
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}
