//go:build windows

package device

import (
	"io"
	"os"

	"github.com/Microsoft/go-winio"
	"github.com/davidmz/go-pageant"
	"golang.org/x/crypto/ssh/agent"
)

// sshAgent prefers a running Pageant, then the OpenSSH agent named pipe.
// Pageant needs no closing; the pipe is returned as the closer.
func sshAgent() (agent.Agent, io.Closer) {
	if pageant.Available() {
		return pageant.New(), nil
	}

	pipe := os.Getenv("SSH_AUTH_SOCK")
	if pipe == "" {
		pipe = `\\.\pipe\openssh-ssh-agent`
	}
	conn, err := winio.DialPipe(pipe, nil)
	if err != nil {
		return nil, nil
	}
	return agent.NewClient(conn), conn
}
