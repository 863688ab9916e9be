package device

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/apex/log"
)

// runFunc executes a host command and returns its combined output
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecClient drives the device through the host's ssh and scp binaries.
// Password auth is left to ssh itself (it prompts on the controlling tty).
type ExecClient struct {
	ep  Endpoint
	run runFunc
}

// NewExecClient returns a client for ep. No connection is made until the
// first command.
func NewExecClient(ep Endpoint) *ExecClient {
	return &ExecClient{ep: ep, run: runHost}
}

// Run executes cmd on the device with ssh
func (c *ExecClient) Run(ctx context.Context, cmd string) ([]byte, error) {
	args := append(c.commonArgs("-p"), c.ep.Target(), cmd)
	log.WithField("cmd", cmd).Debug("ssh")
	out, err := c.run(ctx, "ssh", args...)
	if err != nil {
		return out, fmt.Errorf("ssh %s %q: %w", c.ep.Target(), cmd, err)
	}
	return out, nil
}

// Push copies local to remote with scp
func (c *ExecClient) Push(ctx context.Context, local, remote string) error {
	args := append(c.commonArgs("-P"), local, c.ep.Target()+":"+Quote(remote))
	log.WithFields(log.Fields{"src": local, "dst": remote}).Debug("scp")
	if out, err := c.run(ctx, "scp", args...); err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("scp %s to %s: %w: %s", local, remote, err, msg)
		}
		return fmt.Errorf("scp %s to %s: %w", local, remote, err)
	}
	return nil
}

// Close is a no-op; every call is its own process
func (c *ExecClient) Close() error {
	return nil
}

// commonArgs builds the options shared by ssh and scp, which only disagree
// on the spelling of the port flag
func (c *ExecClient) commonArgs(portFlag string) []string {
	var args []string
	if c.ep.Insecure {
		args = append(args, "-oStrictHostKeyChecking=no", "-oUserKnownHostsFile=/dev/null")
	}
	args = append(args, portFlag, c.ep.Port)
	if c.ep.KeyFile != "" {
		args = append(args, "-i", c.ep.KeyFile)
	}
	return args
}

// runHost runs name with stdout and stderr interleaved in one buffer, the
// same shape NativeClient gets from CombinedOutput
func runHost(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}
