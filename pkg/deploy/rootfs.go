package deploy

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/aluedeke/go-jbdeploy/pkg/device"
	"github.com/apex/log"
)

// Layout is the filesystem layout of a jailbreak
type Layout int

const (
	// LayoutRoot is a rootful jailbreak writing straight to /
	LayoutRoot Layout = iota
	// LayoutRootless keeps everything under /var/jb
	LayoutRootless
	// LayoutRootHide uses a randomly named jail root under the app container
	LayoutRootHide
)

func (l Layout) String() string {
	switch l {
	case LayoutRootless:
		return "rootless"
	case LayoutRootHide:
		return "roothide"
	default:
		return "rootful"
	}
}

const (
	RootPrefix     = "/"
	RootlessPrefix = "/var/jb/"
	RootHidePrefix = "/var/containers/Bundle/Application/.jbroot-"
)

var rootHideDir = regexp.MustCompile(regexp.QuoteMeta(RootHidePrefix) + `[0-9A-Za-z]+`)

// RootFS is the detected root of the jailbreak filesystem. Every on-device
// path is joined onto Prefix.
type RootFS struct {
	Layout Layout
	Prefix string
}

// Join returns rel under the prefix. A leading slash on rel is ignored.
func (r RootFS) Join(rel string) string {
	return path.Join(r.Prefix, strings.TrimPrefix(rel, "/"))
}

// TempEntitlementsPath is where entitlements are staged for the on-device ldid
func (r RootFS) TempEntitlementsPath() string {
	return r.Join("tmp/entitlements.xml")
}

// LdidPath is the device's own ldid
func (r RootFS) LdidPath() string {
	return r.Join("usr/bin/ldid")
}

func (r RootFS) String() string {
	return r.Layout.String() + " (" + r.Prefix + ")"
}

// ParseRootFS classifies the output of `env` run on the device
func ParseRootFS(env string) RootFS {
	switch {
	case strings.Contains(env, RootlessPrefix):
		return RootFS{Layout: LayoutRootless, Prefix: RootlessPrefix}
	case strings.Contains(env, "jbroot"):
		prefix := RootHidePrefix
		if dir := rootHideDir.FindString(env); dir != "" {
			prefix = dir
		}
		return RootFS{Layout: LayoutRootHide, Prefix: prefix}
	default:
		return RootFS{Layout: LayoutRoot, Prefix: RootPrefix}
	}
}

// ProbeRootFS runs `env` on the device to find the jailbreak root. A failed
// probe is logged and treated as rootful.
func ProbeRootFS(ctx context.Context, dev device.Device) RootFS {
	out, err := dev.Run(ctx, "env")
	if err != nil {
		log.WithError(err).Error("failed to determine jailbreak root prefix")
		return RootFS{Layout: LayoutRoot, Prefix: RootPrefix}
	}
	rfs := ParseRootFS(string(out))
	if rfs.Layout == LayoutRootHide {
		log.Debugf("device environment:\n%s", out)
	}
	return rfs
}
