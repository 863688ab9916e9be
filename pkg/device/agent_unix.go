//go:build !windows

package device

import (
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh/agent"
)

// sshAgent connects to the agent listening on SSH_AUTH_SOCK, if any. The
// returned closer releases the socket.
func sshAgent() (agent.Agent, io.Closer) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			return agent.NewClient(conn), conn
		}
	}
	return nil, nil
}
