package deploy

import (
	"context"
	"errors"
	"testing"
)

func TestParseRootFS(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		layout Layout
		prefix string
	}{
		{
			name:   "rootless",
			env:    "SHELL=/var/jb/bin/sh\nPATH=/var/jb/usr/local/bin:/var/jb/usr/bin:/usr/bin\n",
			layout: LayoutRootless,
			prefix: "/var/jb/",
		},
		{
			name:   "roothide with jail root",
			env:    "PATH=/var/containers/Bundle/Application/.jbroot-5F1C2A9B3D7E/usr/bin:/usr/bin\nJBROOT=jbroot\n",
			layout: LayoutRootHide,
			prefix: "/var/containers/Bundle/Application/.jbroot-5F1C2A9B3D7E",
		},
		{
			name:   "roothide marker only",
			env:    "DYLD_INSERT_LIBRARIES=/usr/lib/jbroot.dylib\n",
			layout: LayoutRootHide,
			prefix: RootHidePrefix,
		},
		{
			name:   "rootful",
			env:    "SHELL=/bin/sh\nPATH=/usr/local/bin:/usr/bin:/bin\n",
			layout: LayoutRoot,
			prefix: "/",
		},
		{
			name:   "empty",
			env:    "",
			layout: LayoutRoot,
			prefix: "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRootFS(tt.env)
			if got.Layout != tt.layout {
				t.Errorf("Expected layout %s, got %s", tt.layout, got.Layout)
			}
			if got.Prefix != tt.prefix {
				t.Errorf("Expected prefix %q, got %q", tt.prefix, got.Prefix)
			}
		})
	}
}

func TestRootFSPaths(t *testing.T) {
	tests := []struct {
		rfs  RootFS
		bin  string
		ents string
		ldid string
	}{
		{
			rfs:  RootFS{Layout: LayoutRoot, Prefix: RootPrefix},
			bin:  "/usr/bin/makerw",
			ents: "/tmp/entitlements.xml",
			ldid: "/usr/bin/ldid",
		},
		{
			rfs:  RootFS{Layout: LayoutRootless, Prefix: RootlessPrefix},
			bin:  "/var/jb/usr/bin/makerw",
			ents: "/var/jb/tmp/entitlements.xml",
			ldid: "/var/jb/usr/bin/ldid",
		},
		{
			rfs:  RootFS{Layout: LayoutRootHide, Prefix: RootHidePrefix + "ABC123"},
			bin:  "/var/containers/Bundle/Application/.jbroot-ABC123/usr/bin/makerw",
			ents: "/var/containers/Bundle/Application/.jbroot-ABC123/tmp/entitlements.xml",
			ldid: "/var/containers/Bundle/Application/.jbroot-ABC123/usr/bin/ldid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.rfs.Layout.String(), func(t *testing.T) {
			if got := tt.rfs.Join("usr/bin/makerw"); got != tt.bin {
				t.Errorf("Join: expected %s, got %s", tt.bin, got)
			}
			if got := tt.rfs.Join("/usr/bin/makerw"); got != tt.bin {
				t.Errorf("Join with leading slash: expected %s, got %s", tt.bin, got)
			}
			if got := tt.rfs.TempEntitlementsPath(); got != tt.ents {
				t.Errorf("TempEntitlementsPath: expected %s, got %s", tt.ents, got)
			}
			if got := tt.rfs.LdidPath(); got != tt.ldid {
				t.Errorf("LdidPath: expected %s, got %s", tt.ldid, got)
			}
		})
	}
}

func TestProbeRootFS(t *testing.T) {
	dev := &fakeDevice{env: "PATH=/var/jb/usr/bin:/usr/bin\n"}
	if got := ProbeRootFS(context.Background(), dev); got.Layout != LayoutRootless {
		t.Errorf("Expected rootless, got %s", got)
	}
	if len(dev.calls) != 1 || dev.calls[0] != "run env" {
		t.Errorf("Expected a single env call, got %v", dev.calls)
	}

	failing := &fakeDevice{env: "PATH=/var/jb/usr/bin\n", envErr: errors.New("exit status 255")}
	if got := ProbeRootFS(context.Background(), failing); got.Layout != LayoutRoot || got.Prefix != "/" {
		t.Errorf("Failed probe should resolve to /, got %s", got)
	}
}
