package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"
	"golang.org/x/term"
)

var errEmptyPassword = errors.New("empty password is not allowed")

// password resolves the password from --password-file, then PWSEAL_PASSWORD,
// then an interactive prompt. Encryption prompts twice.
func (r *runner) password(c *cli.Context, confirm bool) (string, error) {
	if path := c.GlobalString("password-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		pw := firstLine(string(data))
		if pw == "" {
			return "", errEmptyPassword
		}
		return pw, nil
	}

	if pw, ok := os.LookupEnv(passwordEnv); ok {
		if pw == "" {
			return "", errEmptyPassword
		}
		return pw, nil
	}

	return r.prompt(confirm)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "\r")
}

func promptPassword(confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; use --password-file or %s", passwordEnv)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw1, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw1) == 0 {
		return "", errEmptyPassword
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		pw2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password confirmation: %w", err)
		}
		if subtle.ConstantTimeCompare(pw1, pw2) != 1 {
			return "", errors.New("passwords do not match")
		}
	}
	return string(pw1), nil
}
