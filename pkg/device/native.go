package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 10 * time.Second

// NativeClient keeps one SSH connection open for the whole run and moves
// files over SFTP
type NativeClient struct {
	ep     Endpoint
	client *ssh.Client
	sftp   *sftp.Client
	agent  io.Closer // agent connection used for auth, if any
}

// NewNativeClient dials ep and opens an SFTP subsystem on the connection
func NewNativeClient(ctx context.Context, ep Endpoint) (*NativeClient, error) {
	config, agentConn, err := clientConfig(ep)
	if err != nil {
		return nil, err
	}
	nc := &NativeClient{ep: ep, agent: agentConn}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", ep.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, ep.Addr(), config)
	if err != nil {
		conn.Close()
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", ep.Addr(), err)
	}
	nc.client = ssh.NewClient(c, chans, reqs)

	if nc.sftp, err = sftp.NewClient(nc.client); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	log.WithField("addr", ep.Addr()).Debug("connected")
	return nc, nil
}

// Run executes cmd in a new session. The session is torn down if ctx is
// cancelled first.
func (c *NativeClient) Run(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	log.WithField("cmd", cmd).Debug("ssh")
	out, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		return out, fmt.Errorf("command %q failed: %w", cmd, err)
	}
	return out, nil
}

// Push uploads local to remote over SFTP, keeping the local permission bits
func (c *NativeClient) Push(ctx context.Context, local, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", local, err)
	}

	dst, err := c.sftp.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create %s on device: %w", remote, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s on device: %w", remote, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s on device: %w", remote, err)
	}
	if err := c.sftp.Chmod(remote, fi.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to chmod %s on device: %w", remote, err)
	}

	log.WithFields(log.Fields{"dst": remote, "bytes": n}).Debug("sftp")
	return nil
}

// Close closes the SFTP and SSH clients and the agent connection
func (c *NativeClient) Close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.agent != nil {
		errs = append(errs, c.agent.Close())
	}
	return errors.Join(errs...)
}

// clientConfig builds the auth and host key setup for ep. The closer, when not
// nil, is the agent connection and must outlive the handshake.
func clientConfig(ep Endpoint) (*ssh.ClientConfig, io.Closer, error) {
	var auth []ssh.AuthMethod

	if ep.KeyFile != "" {
		keyPath, err := homedir.Expand(ep.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to expand key path: %w", err)
		}
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	a, agentConn := sshAgent()
	if a != nil {
		auth = append(auth, ssh.PublicKeysCallback(a.Signers))
	}
	if ep.Password != "" {
		auth = append(auth,
			ssh.Password(ep.Password),
			// OpenSSH on the device often only offers keyboard-interactive
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = ep.Password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, nil, errors.New("no ssh authentication method available (no password, key or agent)")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !ep.Insecure {
		home, err := homedir.Dir()
		if err != nil {
			if agentConn != nil {
				agentConn.Close()
			}
			return nil, nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		hostKey = trustOnFirstUse(filepath.Join(home, ".ssh", "known_hosts"))
	}

	return &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}, agentConn, nil
}

// trustOnFirstUse checks keys against known_hosts at path, appending keys
// for hosts it has never seen and rejecting changed ones
func trustOnFirstUse(path string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		kh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open known_hosts: %w", err)
		}
		defer kh.Close()

		callback, err := knownhosts.New(kh.Name())
		if err != nil {
			return fmt.Errorf("failed to check known_hosts: %w", err)
		}

		err = callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var kerr *knownhosts.KeyError
		if !errors.As(err, &kerr) {
			return fmt.Errorf("failed to check known_hosts: %w", err)
		}
		if len(kerr.Want) > 0 {
			return fmt.Errorf("host key for %s changed, possible man-in-the-middle attack: %w", hostname, err)
		}
		log.WithField("host", hostname).Warn("adding host key to known_hosts")
		hosts := []string{knownhosts.Normalize(hostname)}
		if addr := knownhosts.Normalize(remote.String()); addr != hosts[0] {
			hosts = append(hosts, addr)
		}
		_, err = fmt.Fprintln(kh, knownhosts.Line(hosts, key))
		return err
	}
}
