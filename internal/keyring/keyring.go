// Package keyring remembers network passphrases in the user's OS keyring so
// the client can answer a passphrase request without prompting.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "wicman"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

// initKeyring initializes the keyring with fallback options
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		if ring != nil {
			return
		}
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend, // GNOME Keyring, KWallet
				keyring.KWalletBackend,
				keyring.KeyCtlBackend, // kernel keyring, works without a desktop session
				keyring.PassBackend,   // pass (password-store.org)
				keyring.KeychainBackend,
			},
			KeyCtlScope: "user",
		})
	})
	return ring, ringErr
}

// SetPassphrase stores the passphrase for a network.
func SetPassphrase(essid, passphrase string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	return kr.Set(keyring.Item{
		Key:         essid,
		Data:        []byte(passphrase),
		Label:       fmt.Sprintf("Wireless passphrase for %s", essid),
		Description: "wicman network passphrase",
	})
}

// GetPassphrase retrieves the passphrase for a network.
// Returns empty string if no passphrase is stored
func GetPassphrase(essid string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(essid)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve passphrase: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassphrase removes a stored passphrase.
func DeletePassphrase(essid string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	err = kr.Remove(essid)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("no passphrase stored for '%s'", essid)
	}
	return err
}

// HasPassphrase checks if a passphrase is stored for the network
func HasPassphrase(essid string) bool {
	kr, err := initKeyring()
	if err != nil {
		return false
	}

	_, err = kr.Get(essid)
	return err == nil
}
