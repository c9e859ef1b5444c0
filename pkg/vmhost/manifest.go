package vmhost

import (
	"os"
	"path/filepath"
	"time"

	"github.com/devhome-oss/envhost/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest's name inside a VM directory.
const ManifestFile = "vm.yaml"

// Manifest is the on-disk description of a VM, kept beside its
// configuration so the VM can be re-registered if the database is lost.
type Manifest struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	DiskPath         string    `yaml:"disk_path"`
	CPUs             int       `yaml:"cpus"`
	MemoryMB         int       `yaml:"memory_mb"`
	SecureBoot       bool      `yaml:"secure_boot"`
	SessionTransport string    `yaml:"session_transport,omitempty"`
	CreatedAt        time.Time `yaml:"created_at"`
}

// WriteManifest writes m to dir/vm.yaml, creating dir.
func WriteManifest(dir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create vm directory")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode manifest")
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(err, "failed to write manifest")
	}
	return path, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	return &m, nil
}
