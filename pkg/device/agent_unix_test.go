//go:build !windows

package device

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientConfigReturnsAgentConn(t *testing.T) {
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "agent.sock")

	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := l.Accept(); err == nil {
			accepted <- conn
		}
	}()

	t.Setenv("SSH_AUTH_SOCK", sock)
	config, agentConn, err := clientConfig(DefaultEndpoint())
	if err != nil {
		t.Fatalf("clientConfig failed: %v", err)
	}
	if agentConn == nil {
		t.Fatal("Expected the agent connection to be returned")
	}
	// agent + password + keyboard-interactive
	if len(config.Auth) != 3 {
		t.Errorf("Expected 3 auth methods, got %d", len(config.Auth))
	}

	if err := agentConn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case conn := <-accepted:
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
			t.Errorf("Expected EOF once the client closed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Agent never saw a connection")
	}
}
