package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/aluedeke/go-jbdeploy/pkg/codesign"
	"github.com/aluedeke/go-jbdeploy/pkg/deploy"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/docopt/docopt-go"
)

const version = "1.0.0"

const usage = `go-jbdeploy - Deploy built binaries to a jailbroken iOS device

Copies the binaries of freshly built .framework bundles to the device over SSH,
signing them with entitlements on the host and again with the device's ldid.

Usage:
  go-jbdeploy deploy [--products=<dir>] [--manifest=<path>] [--signer=<name>] [--identity=<path>] [--identity-password=<password>] [--dry-run] [options]
  go-jbdeploy probe [options]
  go-jbdeploy sign --binary=<path> [--entitlements=<path>] [--signer=<name>] [--identity=<path>] [--identity-password=<password>] [--arm64e] [-v]
  go-jbdeploy info --binary=<path>
  go-jbdeploy -h | --help
  go-jbdeploy --version

Commands:
  deploy    Sign and copy every mapped framework binary to the device
  probe     Print the jailbreak root prefix of the device
  sign      Sign a binary on the host only
  info      Show the architectures and code signature of a binary

Options:
  --products=<dir>                  Build products directory (or BUILT_PRODUCTS_DIR)
  --manifest=<path>                 YAML deploy manifest (or JBDEPLOY_MANIFEST, default: built-in)
  --signer=<name>                   Host signer: ldid2 or native (or JBDEPLOY_SIGNER, default: ldid2)
  --identity=<path>                 PKCS#12 or PEM identity for the native signer (or JBDEPLOY_IDENTITY)
  --identity-password=<password>    Identity password (or JBDEPLOY_IDENTITY_PASSWORD)
  --dry-run                         Plan and report without signing or touching the device
  --binary=<path>                   Mach-O binary to sign or inspect
  --entitlements=<path>             Entitlements plist to sign with
  --arm64e                          Add an arm64e slice copied from the arm64 slice before signing
  --host=<host>                     Device host (or JBDEPLOY_HOST, default: localhost)
  --port=<port>                     Device SSH port (or JBDEPLOY_PORT, default: 2222)
  --user=<user>                     SSH user (or JBDEPLOY_USER, default: root)
  --password=<password>             SSH password (or JBDEPLOY_PASSWORD, default: alpine)
  --key=<path>                      SSH private key (or JBDEPLOY_KEY)
  --native                          Use the built-in SSH client instead of ssh/scp
  --strict-host-keys                Verify the device against ~/.ssh/known_hosts
  -v --verbose                      Debug logging
  -h --help                         Show this help message
  --version                         Show version

Environment Variables:
  BUILT_PRODUCTS_DIR    Set by Xcode for run script phases
  JBDEPLOY_*            As listed above; also read from .env or .env.local

Examples:
  # From an Xcode run script phase, with the device on usbmux port 2222
  go-jbdeploy deploy

  # See what would be deployed
  go-jbdeploy deploy --products=build/Debug-iphoneos --dry-run

  # Rootless device over Wi-Fi, signing in-process
  go-jbdeploy deploy --host=192.168.1.20 --port=22 --native --signer=native

  # Check which jailbreak layout the device uses
  go-jbdeploy probe

  # Sign ad hoc with entitlements and inspect the result
  go-jbdeploy sign --binary=makerw --entitlements=entitlements.xml --signer=native
  go-jbdeploy info --binary=makerw
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log.SetHandler(cli.Default)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if deployCmd, _ := opts.Bool("deploy"); deployCmd {
		err = runDeploy(ctx, opts)
	} else if probe, _ := opts.Bool("probe"); probe {
		err = runProbe(ctx, opts)
	} else if sign, _ := opts.Bool("sign"); sign {
		err = runSign(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig applies flags over the .env and environment settings
func loadConfig(opts docopt.Opts) (*deploy.Config, error) {
	cfg, err := deploy.LoadConfig()
	if err != nil {
		return nil, err
	}

	override := func(dst *string, flag string) {
		if v, _ := opts.String(flag); v != "" {
			*dst = v
		}
	}
	override(&cfg.ProductsDir, "--products")
	override(&cfg.ManifestPath, "--manifest")
	override(&cfg.Signer, "--signer")
	override(&cfg.IdentityPath, "--identity")
	override(&cfg.IdentityPassword, "--identity-password")
	override(&cfg.Endpoint.Host, "--host")
	override(&cfg.Endpoint.Port, "--port")
	override(&cfg.Endpoint.User, "--user")
	override(&cfg.Endpoint.Password, "--password")
	override(&cfg.Endpoint.KeyFile, "--key")

	if native, _ := opts.Bool("--native"); native {
		cfg.Transport = deploy.TransportNative
	}
	if strict, _ := opts.Bool("--strict-host-keys"); strict {
		cfg.Endpoint.Insecure = false
	}
	if dryRun, _ := opts.Bool("--dry-run"); dryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}

func runDeploy(ctx context.Context, opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	d, err := deploy.NewDeployer(cfg)
	if err != nil {
		return err
	}

	log.WithField("dir", cfg.ProductsDir).Info("deploying binaries to device")
	return d.Run(ctx)
}

func runProbe(ctx context.Context, opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	dev, err := cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}
	defer dev.Close()

	rfs := deploy.ProbeRootFS(ctx, dev)
	fmt.Printf("Layout:  %s\n", rfs.Layout)
	fmt.Printf("Prefix:  %s\n", rfs.Prefix)
	fmt.Printf("ldid:    %s\n", rfs.LdidPath())
	return nil
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	binary, _ := opts.String("--binary")
	entitlements, _ := opts.String("--entitlements")
	arm64e, _ := opts.Bool("--arm64e")

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Signer != deploy.SignerLdid && cfg.Signer != deploy.SignerNative {
		return fmt.Errorf("unknown signer %q", cfg.Signer)
	}
	if !codesign.IsMachO(binary) {
		return fmt.Errorf("%s is not a Mach-O binary", binary)
	}

	if arm64e {
		added, err := codesign.AddArm64eSlice(binary)
		if err != nil {
			return err
		}
		if added {
			log.Info("added arm64e slice")
		}
	}

	signer, err := cfg.NewSigner()
	if err != nil {
		return err
	}
	if err := signer.Sign(ctx, binary, entitlements); err != nil {
		return err
	}
	log.WithField("binary", binary).Info("signed")
	return nil
}

func runInfo(opts docopt.Opts) error {
	binary, _ := opts.String("--binary")

	arches, err := codesign.Architectures(binary)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(arches))
	for _, a := range arches {
		names = append(names, a.String())
	}

	fmt.Println("Binary Information")
	fmt.Println("==================")
	fmt.Printf("Path:         %s\n", binary)
	fmt.Printf("Archs:        %s\n", strings.Join(names, ", "))
	fmt.Println()

	info, err := codesign.ReadSignature(binary)
	if err != nil {
		fmt.Printf("Signature:    none (%v)\n", err)
		return nil
	}
	codesign.PrintSignature(os.Stdout, info)
	return nil
}
