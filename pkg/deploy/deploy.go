package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aluedeke/go-jbdeploy/pkg/codesign"
	"github.com/aluedeke/go-jbdeploy/pkg/device"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

// Step is one framework binary matched to its target
type Step struct {
	Binary string // local path, <bundle>.framework/<bundle>
	Target Target
}

// CopyError is returned when the binary could not be pushed to the device.
// It matches ErrCopyFailed.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("failed to copy %s to device: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

func (e *CopyError) Is(target error) bool { return target == ErrCopyFailed }

// Plan scans productsDir for framework bundles and matches them against
// manifest. Every bundle must contain its binary, mapped or not, so a broken
// build is caught before anything is sent to the device.
func Plan(productsDir string, manifest Manifest) ([]Step, error) {
	if productsDir == "" {
		return nil, ErrNoProductsDir
	}
	fi, err := os.Stat(productsDir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrProductsDirMissing, productsDir)
	}

	bundles, err := filepath.Glob(filepath.Join(productsDir, "*.framework"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", productsDir, err)
	}
	sort.Strings(bundles)

	var steps []Step
	for _, bundle := range bundles {
		name := strings.TrimSuffix(filepath.Base(bundle), ".framework")
		binary := filepath.Join(bundle, name)
		if _, err := os.Stat(binary); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBinaryMissing, binary)
		}

		target, ok := manifest[name]
		if !ok {
			log.WithField("framework", name).Debug("no deploy target, skipping")
			continue
		}
		if target.Name == "" {
			target.Name = name
		}
		if target.EntitlementsFile != "" {
			if _, err := codesign.LoadEntitlements(target.EntitlementsFile); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		steps = append(steps, Step{Binary: binary, Target: target})
	}
	return steps, nil
}

// Deployer pushes planned binaries to a device. Dial and NewSigner are only
// called once local checks have passed, and only when needed.
type Deployer struct {
	ProductsDir string
	Manifest    Manifest
	DryRun      bool

	Dial      func(ctx context.Context) (device.Device, error)
	NewSigner func() (codesign.Signer, error)

	signer codesign.Signer
}

// NewDeployer wires a Deployer to the transport and signer chosen in cfg
func NewDeployer(cfg *Config) (*Deployer, error) {
	manifest, err := cfg.LoadManifest()
	if err != nil {
		return nil, err
	}
	return &Deployer{
		ProductsDir: cfg.ProductsDir,
		Manifest:    manifest,
		DryRun:      cfg.DryRun,
		Dial:        cfg.Dial,
		NewSigner:   cfg.NewSigner,
	}, nil
}

// Run plans the deployment, then signs and pushes each binary in turn. It
// stops at the first hard failure.
func (d *Deployer) Run(ctx context.Context) error {
	steps, err := Plan(d.ProductsDir, d.Manifest)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		log.WithFields(log.Fields{
			"dir":     d.ProductsDir,
			"targets": strings.Join(d.Manifest.Names(), ", "),
		}).Warn("no framework matched a deploy target")
		return nil
	}

	if d.DryRun {
		for _, step := range steps {
			log.WithFields(log.Fields{
				"binary":       step.Binary,
				"path":         step.Target.InstallPath,
				"entitlements": step.Target.EntitlementsFile,
				"arm64e":       step.Target.AddArm64eSlice,
			}).Info("would deploy")
		}
		return nil
	}

	for _, step := range steps {
		if step.Target.EntitlementsFile != "" {
			if _, err := d.hostSigner(); err != nil {
				return err
			}
			break
		}
	}

	dev, err := d.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}
	defer dev.Close()

	rfs := ProbeRootFS(ctx, dev)
	log.WithField("prefix", rfs.Prefix).Infof("jailbreak root: %s", rfs.Layout)

	for _, step := range steps {
		if err := d.DeployStep(ctx, dev, rfs, step); err != nil {
			return err
		}
	}
	log.Info("done deploying binaries to device")
	return nil
}

// DeployStep signs one binary locally, replaces it on the device and signs it
// again there with the device's ldid. Removing the old copy and staging the
// entitlements may fail without stopping the deploy.
func (d *Deployer) DeployStep(ctx context.Context, dev device.Device, rfs RootFS, step Step) error {
	t := step.Target
	remote := rfs.Join(t.InstallPath)
	ilog := log.WithField("binary", t.Name)
	ilog.Infof("deploying to %s", remote)

	if _, err := os.Stat(step.Binary); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryMissing, step.Binary)
	}

	if t.AddArm64eSlice {
		added, err := codesign.AddArm64eSlice(step.Binary)
		if err != nil {
			return fmt.Errorf("failed to add arm64e slice to %s: %w", step.Binary, err)
		}
		if added {
			indent(ilog.Info, 2)("added arm64e slice")
		}
	}

	if t.EntitlementsFile != "" {
		signer, err := d.hostSigner()
		if err != nil {
			return err
		}
		if err := signer.Sign(ctx, step.Binary, t.EntitlementsFile); err != nil {
			return fmt.Errorf("failed to sign %s: %w", step.Binary, err)
		}
		indent(ilog.Info, 2)("signed with " + filepath.Base(t.EntitlementsFile))
	}

	if out, err := dev.Run(ctx, "rm "+device.Quote(remote)+" || true"); err != nil {
		ilog.WithError(err).Warnf("failed to remove old copy: %s", strings.TrimSpace(string(out)))
	}

	if err := dev.Push(ctx, step.Binary, remote); err != nil {
		return &CopyError{Path: remote, Err: err}
	}
	indent(ilog.Info, 2)("copied")

	var remoteEnts string
	if t.EntitlementsFile != "" {
		remoteEnts = rfs.TempEntitlementsPath()
		if _, err := os.Stat(t.EntitlementsFile); err != nil {
			ilog.WithError(err).Warn("entitlements file disappeared, not copying it")
		} else if err := dev.Push(ctx, t.EntitlementsFile, remoteEnts); err != nil {
			ilog.WithError(err).Warn("failed to copy entitlements file to device")
		}
	}

	cmd := codesign.LdidCommand(rfs.LdidPath(), remote, remoteEnts, device.Quote)
	if out, err := dev.Run(ctx, cmd); err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("on-device ldid failed for %s: %w: %s", remote, err, msg)
		}
		return fmt.Errorf("on-device ldid failed for %s: %w", remote, err)
	}
	indent(ilog.Info, 2)("signed on device")
	return nil
}

// hostSigner resolves the signer once per Deployer
func (d *Deployer) hostSigner() (codesign.Signer, error) {
	if d.signer != nil {
		return d.signer, nil
	}
	if d.NewSigner == nil {
		return nil, errors.New("no host signer configured")
	}
	s, err := d.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("could not find a host signer: %w", err)
	}
	d.signer = s
	return s, nil
}

var normalPadding = cli.Default.Padding

// indent logs f at a deeper cli handler padding, for per-binary detail lines
func indent(f func(msg string), level int) func(string) {
	return func(msg string) {
		cli.Default.Padding = normalPadding * level
		f(msg)
		cli.Default.Padding = normalPadding
	}
}
