package device

import (
	"context"
	"net"
	"strings"
)

// Default endpoint values for a device reached through a local port-forward
// (iproxy 2222 22 or similar)
const (
	DefaultHost     = "localhost"
	DefaultPort     = "2222"
	DefaultUser     = "root"
	DefaultPassword = "alpine"
)

// Device runs commands on, and copies files to, a remote device
type Device interface {
	// Run executes cmd through the remote shell and returns its stdout and
	// stderr interleaved. On failure the output is still returned.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// Push copies the local file to the remote path, replacing it
	Push(ctx context.Context, local, remote string) error
	Close() error
}

// Endpoint describes how to reach the device
type Endpoint struct {
	Host     string
	Port     string
	User     string
	Password string
	KeyFile  string // Optional private key for public key auth
	Insecure bool   // Skip host key verification
}

// DefaultEndpoint returns root@localhost:2222 with host key checking disabled
func DefaultEndpoint() Endpoint {
	return Endpoint{
		Host:     DefaultHost,
		Port:     DefaultPort,
		User:     DefaultUser,
		Password: DefaultPassword,
		Insecure: true,
	}
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Target returns user@host as used by ssh and scp
func (e Endpoint) Target() string {
	return e.User + "@" + e.Host
}

// Quote wraps s in single quotes for a POSIX shell
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("/._-+=:@%,", r)
}
