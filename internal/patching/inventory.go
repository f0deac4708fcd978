package patching

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Inventory is the on-disk fleet description.
//
//	defaults:
//	  username: Administrator
//	  password: ${PATCH_PASSWORD}
//	  os: windows
//	hosts:
//	  - host: 10.0.0.5
//	  - host: build-01
//	    os: linux
//	    username: ubuntu
type Inventory struct {
	Defaults VMInfo   `yaml:"defaults"`
	Hosts    []VMInfo `yaml:"hosts"`
}

// LoadInventory reads a YAML inventory, applies defaults and expands
// environment references in passwords.
func LoadInventory(path string) ([]VMInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes inventory YAML.
func ParseInventory(data []byte) ([]VMInfo, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if len(inv.Hosts) == 0 {
		return nil, errors.New("inventory lists no hosts")
	}

	vms := make([]VMInfo, 0, len(inv.Hosts))
	var problems []error
	for i, h := range inv.Hosts {
		vm := VMInfo{
			Host:     strings.TrimSpace(h.Host),
			Username: firstNonEmpty(h.Username, inv.Defaults.Username),
			Password: os.ExpandEnv(firstNonEmpty(h.Password, inv.Defaults.Password)),
			OS:       firstNonEmpty(h.OS, inv.Defaults.OS),
		}
		if missing := vm.Credentials().Missing(); len(missing) > 0 {
			problems = append(problems, fmt.Errorf("host %d (%q): missing %s", i+1, vm.Host, strings.Join(missing, ", ")))
			continue
		}
		vms = append(vms, vm)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return vms, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
