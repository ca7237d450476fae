package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptPassphrase prompts the user to enter a passphrase securely (no echo)
func PromptPassphrase(essid string) (string, error) {
	return readSecret(fmt.Sprintf("Enter passphrase for '%s': ", essid))
}

// PromptAndConfirmPassphrase prompts for a passphrase twice and confirms they match
func PromptAndConfirmPassphrase(essid string) (string, error) {
	first, err := PromptPassphrase(essid)
	if err != nil {
		return "", err
	}

	second, err := readSecret(fmt.Sprintf("Confirm passphrase for '%s': ", essid))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase confirmation: %w", err)
	}

	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Prefer the controlling terminal so piped stdin does not swallow input
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(secret), nil
}
