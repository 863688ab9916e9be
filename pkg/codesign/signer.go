package codesign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/apex/log"
)

// Signer signs a binary in place. An empty entitlements path signs without
// entitlements.
type Signer interface {
	Sign(ctx context.Context, binary, entitlements string) error
}

// HomebrewLdid is where Homebrew on Apple silicon installs ldid2
const HomebrewLdid = "/opt/homebrew/bin/ldid2"

// ErrLdidNotFound is returned when no ldid2 binary can be located
var ErrLdidNotFound = errors.New("ldid2 not found; install it with `brew install ldid`")

// lookups used by FindLdid, replaced in tests
var (
	statFile = os.Stat
	lookPath = exec.LookPath
)

// FindLdid returns the path of ldid2, preferring the Homebrew location over
// $PATH
func FindLdid() (string, error) {
	if fi, err := statFile(HomebrewLdid); err == nil && !fi.IsDir() {
		return HomebrewLdid, nil
	}
	if path, err := lookPath("ldid2"); err == nil {
		return path, nil
	}
	return "", ErrLdidNotFound
}

// Ldid signs binaries by running ldid2 on the host
type Ldid struct {
	Path string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewLdid locates ldid2 and returns a signer for it
func NewLdid() (*Ldid, error) {
	path, err := FindLdid()
	if err != nil {
		return nil, err
	}
	return &Ldid{Path: path}, nil
}

// Sign runs `ldid2 -S<entitlements> <binary>`
func (l *Ldid) Sign(ctx context.Context, binary, entitlements string) error {
	args := ldidArgs(binary, entitlements)
	log.WithField("cmd", l.Path+" "+strings.Join(args, " ")).Debug("ldid2")

	run := l.run
	if run == nil {
		run = combinedOutput
	}
	if out, err := run(ctx, l.Path, args...); err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("ldid2 failed on %s: %w: %s", binary, err, msg)
		}
		return fmt.Errorf("ldid2 failed on %s: %w", binary, err)
	}
	return nil
}

// ldidArgs builds the ldid argument list; the entitlements path is glued to
// -S, which is how both ldid and ldid2 expect it
func ldidArgs(binary, entitlements string) []string {
	if entitlements == "" {
		return []string{"-S", binary}
	}
	return []string{"-S" + entitlements, binary}
}

// LdidCommand renders the same invocation as a shell command line, for
// running the device's own ldid. quote escapes each argument.
func LdidCommand(ldid, binary, entitlements string, quote func(string) string) string {
	parts := []string{quote(ldid)}
	if entitlements == "" {
		parts = append(parts, "-S")
	} else {
		parts = append(parts, "-S"+quote(entitlements))
	}
	return strings.Join(append(parts, quote(binary)), " ")
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
