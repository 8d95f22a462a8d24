package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned when a secret reference points at nothing.
var ErrSecretNotFound = errors.New("secret not found")

// ResolveSecret returns the secret named by ref:
//
//	env:NAME              the environment variable NAME
//	file:/path            the file contents, without the trailing newline
//	keyring:service/user  the OS keyring entry
//
// Any other value is taken literally. An empty ref resolves to "".
func ResolveSecret(ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}

	switch scheme {
	case "env":
		v, found := os.LookupEnv(rest)
		if !found || v == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, rest)
		}
		return v, nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	case "keyring":
		service, user, ok := strings.Cut(rest, "/")
		if !ok || service == "" || user == "" {
			return "", fmt.Errorf("keyring reference %q must be keyring:service/user", ref)
		}
		v, err := keyring.Get(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: keyring entry %s/%s", ErrSecretNotFound, service, user)
		}
		if err != nil {
			return "", fmt.Errorf("failed to read keyring entry %s/%s: %w", service, user, err)
		}
		return v, nil
	default:
		return ref, nil
	}
}
