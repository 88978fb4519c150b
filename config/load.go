package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// fleetFile is the on-disk shape of a fleet config: a bare list of devices
// under a `devices` key, mirroring the teacher's flat YAML configs.
type fleetFile struct {
	Devices []v1.DeviceConfig `yaml:"devices"`
}

// LoadFleet reads and parses a fleet config file. It does not validate the
// result; call Validate separately so callers can choose whether a bad
// fleet is fatal or merely reported.
func LoadFleet(path string) ([]v1.DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet config %q: %w", path, err)
	}

	var f fleetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fleet config %q: %w", path, err)
	}
	return f.Devices, nil
}
