package dnsconf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var lineRe = regexp.MustCompile(`at line (\d+)`)

// BinaryValidator asks the daemon binary itself to check the content via
// "<binary> --test --conf-file=<tmp>".
type BinaryValidator struct {
	Binary  string
	TempDir string        // defaults to os.TempDir()
	Timeout time.Duration // defaults to 10s
}

// Validate implements Validator.
func (b *BinaryValidator) Validate(ctx context.Context, content []byte) error {
	f, err := os.CreateTemp(b.TempDir, "masqctl-test-*.conf")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrValidatorUnavailable, err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("%w: temp file: %v", ErrValidatorUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrValidatorUnavailable, err)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.Binary, "--test", "--conf-file="+path)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		msg := strings.TrimSpace(strings.ReplaceAll(string(out), path, "config"))
		if msg == "" {
			msg = fmt.Sprintf("%s --test exited with status %d", b.Binary, exitErr.ExitCode())
		}
		ve := &ValidationError{Kind: KindSyntax, Msg: msg}
		if m := lineRe.FindStringSubmatch(msg); m != nil {
			ve.Line, _ = strconv.Atoi(m[1])
		}
		return ve
	}
	return fmt.Errorf("%w: %s: %v", ErrValidatorUnavailable, b.Binary, err)
}
