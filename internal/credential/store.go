// Package credential generates and stores per-network supplicant
// configuration files.
package credential

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"go.olrik.dev/wicman/internal/core"
)

// ErrMissing is returned when a network has no stored configuration and no
// passphrase was supplied. The control protocol answers it with "needpp".
var ErrMissing = errors.New("no stored configuration")

// CredentialError reports that a configuration file could not be generated.
type CredentialError struct {
	ESSID string
	Err   error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("Error generating configuration for ESSID %s: %v", e.ESSID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Generator turns an ESSID and passphrase into a supplicant network block.
type Generator interface {
	Generate(ctx context.Context, essid, passphrase string) ([]byte, error)
}

// Store keeps one configuration file per network, named by the SHA-256 hex
// digest of the ESSID, inside a root-only directory.
type Store struct {
	mu   sync.Mutex
	dir  string
	safe bool
	gen  Generator
}

func NewStore(dir string, safe bool, gen Generator) *Store {
	return &Store{dir: dir, safe: safe, gen: gen}
}

// Path returns the file a network's configuration lives in.
func (s *Store) Path(essid string) string {
	sum := sha256.Sum256([]byte(essid))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

// Exists reports whether a configuration for essid is stored.
func (s *Store) Exists(essid string) bool {
	info, err := os.Stat(s.Path(essid))
	return err == nil && info.Mode().IsRegular()
}

// SetSafeMode toggles stripping of the plaintext passphrase comment for
// files generated from now on.
func (s *Store) SetSafeMode(safe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safe = safe
}

// EnsureDir creates the storage directory with mode 0700. When running as
// root the directory is also handed to root.
func (s *Store) EnsureDir() error {
	if s.dir == "" {
		return &core.ConfigError{Err: errors.New("storage_dir is not set")}
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if unix.Geteuid() == 0 {
		if err := os.Chown(s.dir, 0, 0); err != nil {
			return fmt.Errorf("failed to chown storage directory: %w", err)
		}
	}
	if err := os.Chmod(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to chmod storage directory: %w", err)
	}
	return nil
}

// Generate creates or replaces the configuration for essid. An empty
// passphrase yields ErrMissing without running the generator.
func (s *Store) Generate(ctx context.Context, essid, passphrase string) error {
	if passphrase == "" {
		return ErrMissing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := s.gen.Generate(ctx, essid, passphrase)
	if err != nil {
		return &CredentialError{ESSID: essid, Err: err}
	}
	if s.safe {
		block = stripSecret(block)
	}

	if err := writeAtomic(s.Path(essid), block); err != nil {
		return &CredentialError{ESSID: essid, Err: err}
	}
	slog.Info(fmt.Sprintf("Stored configuration for %q", essid))
	return nil
}

// stripSecret drops the plaintext #psk="..." comment line.
func stripSecret(block []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(block))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#psk=") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cred-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
