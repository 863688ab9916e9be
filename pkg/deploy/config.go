package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/aluedeke/go-jbdeploy/pkg/codesign"
	"github.com/aluedeke/go-jbdeploy/pkg/device"
	"github.com/apex/log"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
)

// Environment variables read by LoadEnv. BUILT_PRODUCTS_DIR is the one Xcode
// exports to build phase scripts.
const (
	EnvProductsDir      = "BUILT_PRODUCTS_DIR"
	EnvHost             = "JBDEPLOY_HOST"
	EnvPort             = "JBDEPLOY_PORT"
	EnvUser             = "JBDEPLOY_USER"
	EnvPassword         = "JBDEPLOY_PASSWORD"
	EnvKeyFile          = "JBDEPLOY_KEY"
	EnvStrictHostKeys   = "JBDEPLOY_STRICT_HOST_KEYS"
	EnvTransport        = "JBDEPLOY_TRANSPORT"
	EnvManifest         = "JBDEPLOY_MANIFEST"
	EnvSigner           = "JBDEPLOY_SIGNER"
	EnvIdentity         = "JBDEPLOY_IDENTITY"
	EnvIdentityPassword = "JBDEPLOY_IDENTITY_PASSWORD"
)

// Transports
const (
	TransportExec   = "exec"
	TransportNative = "native"
)

// Host signers
const (
	SignerLdid   = "ldid2"
	SignerNative = "native"
)

var (
	ErrNoProductsDir      = errors.New(EnvProductsDir + " not set")
	ErrProductsDirMissing = errors.New(EnvProductsDir + " is set but the directory does not exist")
	ErrBinaryMissing      = errors.New("framework binary does not exist")
	ErrCopyFailed         = errors.New("failed to copy binary to device")
)

// envFiles are tried in order; variables already in the environment win
var envFiles = []string{".env", ".env.local"}

// Config holds everything needed to run a deployment
type Config struct {
	ProductsDir string
	Endpoint    device.Endpoint
	Transport   string // exec or native

	ManifestPath string // empty uses DefaultManifest

	Signer           string // ldid2 or native
	IdentityPath     string // PKCS#12 or PEM for the native signer; empty signs ad hoc
	IdentityPassword string

	DryRun bool
}

// DefaultConfig returns the stock setup: root@localhost:2222 over the host's
// ssh, signing with ldid2
func DefaultConfig() *Config {
	return &Config{
		Endpoint:  device.DefaultEndpoint(),
		Transport: TransportExec,
		Signer:    SignerLdid,
	}
}

// LoadConfig layers .env files and the environment over DefaultConfig. The
// result is not validated so callers can apply their own overrides first.
func LoadConfig() (*Config, error) {
	LoadEnvFiles()
	c := DefaultConfig()
	if err := c.LoadEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigFromEnv is LoadConfig followed by Validate
func ConfigFromEnv() (*Config, error) {
	c, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadEnvFiles loads the first .env file found in the working directory
func LoadEnvFiles() {
	for _, name := range envFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			log.WithError(err).Warnf("failed to load %s", name)
			continue
		}
		log.Debugf("loaded environment from %s", name)
		return
	}
}

// LoadEnv overrides fields with any variables that are set
func (c *Config) LoadEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.ProductsDir, EnvProductsDir)
	setString(&c.Endpoint.Host, EnvHost)
	setString(&c.Endpoint.Port, EnvPort)
	setString(&c.Endpoint.User, EnvUser)
	setString(&c.Endpoint.Password, EnvPassword)
	setString(&c.Endpoint.KeyFile, EnvKeyFile)
	setString(&c.Transport, EnvTransport)
	setString(&c.ManifestPath, EnvManifest)
	setString(&c.Signer, EnvSigner)
	setString(&c.IdentityPath, EnvIdentity)
	setString(&c.IdentityPassword, EnvIdentityPassword)

	if v := os.Getenv(EnvStrictHostKeys); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvStrictHostKeys, err)
		}
		c.Endpoint.Insecure = !strict
	}
	return nil
}

// Validate checks the settings a deploy needs. It does not touch the
// filesystem; Plan reports a missing products directory.
func (c *Config) Validate() error {
	if c.ProductsDir == "" {
		return ErrNoProductsDir
	}
	switch c.Transport {
	case TransportExec, TransportNative:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportExec, TransportNative)
	}
	switch c.Signer {
	case SignerLdid, SignerNative:
	default:
		return fmt.Errorf("unknown signer %q (want %s or %s)", c.Signer, SignerLdid, SignerNative)
	}
	if c.IdentityPath != "" && c.Signer != SignerNative {
		return fmt.Errorf("a signing identity needs the %s signer", SignerNative)
	}
	return nil
}

// LoadManifest returns the manifest at ManifestPath, or the built-in one
func (c *Config) LoadManifest() (Manifest, error) {
	if c.ManifestPath == "" {
		return DefaultManifest(), nil
	}
	path, err := homedir.Expand(c.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand manifest path: %w", err)
	}
	return LoadManifest(path)
}

// NewSigner resolves the host signer. For ldid2 this is where a missing
// binary is reported.
func (c *Config) NewSigner() (codesign.Signer, error) {
	if c.Signer == SignerNative {
		if c.IdentityPath == "" {
			return codesign.NewNativeSigner(nil), nil
		}
		path, err := homedir.Expand(c.IdentityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to expand identity path: %w", err)
		}
		id, err := codesign.LoadSigningIdentityFile(path, c.IdentityPassword)
		if err != nil {
			return nil, err
		}
		log.WithField("team", id.TeamID).Debug("loaded signing identity")
		return codesign.NewNativeSigner(id), nil
	}

	ldid, err := codesign.NewLdid()
	if err != nil {
		return nil, err
	}
	return ldid, nil
}

// Dial connects to the device with the configured transport
func (c *Config) Dial(ctx context.Context) (device.Device, error) {
	ep := c.Endpoint
	if ep.KeyFile != "" {
		path, err := homedir.Expand(ep.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand key path: %w", err)
		}
		ep.KeyFile = path
	}
	if c.Transport == TransportNative {
		client, err := device.NewNativeClient(ctx, ep)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return device.NewExecClient(ep), nil
}
