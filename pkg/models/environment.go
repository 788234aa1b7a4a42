package models

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const placeholderMemory = 4 << 30 // 4 GiB

//go:embed fixtures/env.json
var packagedEnvironment []byte

// VersionInfo names one piece of software installed on the benchmark host.
type VersionInfo struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Environment describes the host the benchmarks ran on. Its values are
// recorded ahead of time and passed through untouched.
type Environment struct {
	HostName   string        `json:"hostName" yaml:"hostName"`
	CPU        string        `json:"cpu" yaml:"cpu"`
	ClockSpeed int64         `json:"clockSpeed" yaml:"clockSpeed"`
	Memory     int64         `json:"memory" yaml:"memory"`
	OSType     string        `json:"osType" yaml:"osType"`
	Software   []VersionInfo `json:"software" yaml:"software"`
	UserName   string        `json:"userName" yaml:"userName"`
	ManualRun  bool          `json:"manualRun" yaml:"manualRun"`
}

// PlaceholderEnvironment returns a hand-built environment for hosts nobody
// recorded.
func PlaceholderEnvironment() Environment {
	return Environment{
		HostName: "bench",
		CPU:      "Bench",
		Memory:   placeholderMemory,
		OSType:   "Linux",
		Software: []VersionInfo{},
		UserName: "bench",
	}
}

// LoadEnvironment reads an environment fixture. An empty path loads the
// packaged fixture. Files ending in .yaml or .yml are read as YAML,
// everything else as JSON.
func LoadEnvironment(path string) (Environment, error) {
	if path == "" {
		return decodeEnvironment(packagedEnvironment, false)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Environment{}, errors.Wrapf(err, "failed to read environment %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	env, err := decodeEnvironment(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return Environment{}, errors.Wrapf(err, "failed to parse environment %s", path)
	}
	return env, nil
}

func decodeEnvironment(data []byte, isYAML bool) (Environment, error) {
	var env Environment
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &env)
	} else {
		err = json.Unmarshal(data, &env)
	}
	if err != nil {
		return Environment{}, err
	}
	if env.Software == nil {
		env.Software = []VersionInfo{}
	}
	return env, nil
}
