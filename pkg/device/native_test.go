package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	return key
}

func TestTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	callback := trustOnFirstUse(path)
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	key := newHostKey(t)

	// Unknown host is recorded
	if err := callback("127.0.0.1:2222", remote, key); err != nil {
		t.Fatalf("First connection should be trusted: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(data), "[127.0.0.1]:2222 ") {
		t.Errorf("Unexpected known_hosts entry: %q", data)
	}

	// Same key is accepted without a new entry
	if err := callback("127.0.0.1:2222", remote, key); err != nil {
		t.Fatalf("Known key should be accepted: %v", err)
	}
	again, _ := os.ReadFile(path)
	if len(again) != len(data) {
		t.Error("Known key should not be appended twice")
	}

	// A different key for the same host is rejected
	if err := callback("127.0.0.1:2222", remote, newHostKey(t)); err == nil {
		t.Fatal("Changed host key should be rejected")
	}
}

func TestClientConfigInsecure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	config, agentConn, err := clientConfig(DefaultEndpoint())
	if err != nil {
		t.Fatalf("clientConfig failed: %v", err)
	}
	if agentConn != nil {
		t.Error("No agent connection expected without SSH_AUTH_SOCK")
	}
	if config.User != "root" {
		t.Errorf("Expected user root, got %s", config.User)
	}
	// password + keyboard-interactive
	if len(config.Auth) != 2 {
		t.Errorf("Expected 2 auth methods, got %d", len(config.Auth))
	}
	if err := config.HostKeyCallback("anything:22", &net.TCPAddr{}, newHostKey(t)); err != nil {
		t.Errorf("Insecure config should accept any host key: %v", err)
	}
}

func TestClientConfigNoAuth(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	ep := DefaultEndpoint()
	ep.Password = ""
	if _, _, err := clientConfig(ep); err == nil {
		t.Error("Expected an error with no authentication method")
	}
}

func TestClientConfigMissingKey(t *testing.T) {
	ep := DefaultEndpoint()
	ep.KeyFile = filepath.Join(t.TempDir(), "missing")
	if _, _, err := clientConfig(ep); err == nil {
		t.Error("Expected an error for a missing key file")
	}
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func TestNativeClientCloseReleasesAgent(t *testing.T) {
	agentConn := &closeCounter{}
	c := &NativeClient{ep: DefaultEndpoint(), agent: agentConn}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if agentConn.n != 1 {
		t.Errorf("Expected agent connection closed once, got %d", agentConn.n)
	}
}
