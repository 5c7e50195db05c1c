// Package opprovider resolves secrets with the 1Password CLI.
package opprovider

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/booru-cache/credentials"
)

// Binary is the 1Password CLI executable.
var Binary = "op"

// WithOnePassword adds an "op" template function that reads secret
// references such as "op://vault/danbooru/api_key".
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", Read)
}

// Read returns the value of a 1Password secret reference.
func Read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("not a secret reference: %q", ref)
	}
	out, err := exec.CommandContext(ctx, Binary, "read", "--no-newline", ref).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("op read: %s: %w", strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("op read: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
