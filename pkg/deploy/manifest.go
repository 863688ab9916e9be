package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Target says where a framework's binary goes on the device and how it is
// signed
type Target struct {
	Name string `yaml:"-"`
	// InstallPath is relative to the jailbreak root prefix
	InstallPath string `yaml:"path"`
	// EntitlementsFile signs the binary on the host before it is copied and
	// is pushed alongside it for the on-device ldid. Empty signs without
	// entitlements.
	EntitlementsFile string `yaml:"entitlements,omitempty"`
	AddArm64eSlice   bool   `yaml:"add_arm64e_slice,omitempty"`
}

// Manifest maps a framework name (the bundle name without .framework) to its
// target
type Manifest map[string]Target

type manifestFile struct {
	Binaries map[string]Target `yaml:"binaries"`
}

// DefaultManifest is the built-in mapping, used when no manifest file is
// given
func DefaultManifest() Manifest {
	ents, err := filepath.Abs("entitlements.xml")
	if err != nil {
		ents = "entitlements.xml"
	}
	return Manifest{
		"makerw": {
			Name:             "makerw",
			InstallPath:      "usr/bin/makerw",
			EntitlementsFile: ents,
		},
	}
}

// LoadManifest reads a YAML manifest:
//
//	binaries:
//	  makerw:
//	    path: usr/bin/makerw
//	    entitlements: entitlements.xml
//	    add_arm64e_slice: true
//
// Relative entitlements paths are resolved against the manifest's directory.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(mf.Binaries) == 0 {
		return nil, fmt.Errorf("manifest %s lists no binaries", path)
	}

	base := filepath.Dir(path)
	m := make(Manifest, len(mf.Binaries))
	for name, t := range mf.Binaries {
		if t.InstallPath == "" {
			return nil, fmt.Errorf("manifest %s: %s has no path", path, name)
		}
		t.Name = name
		if t.EntitlementsFile != "" {
			ents, err := homedir.Expand(t.EntitlementsFile)
			if err != nil {
				return nil, fmt.Errorf("manifest %s: %s: %w", path, name, err)
			}
			if !filepath.IsAbs(ents) {
				ents = filepath.Join(base, ents)
			}
			t.EntitlementsFile = ents
		}
		m[name] = t
	}
	return m, nil
}

// Names returns the manifest's framework names in sorted order
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
