package credential

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/system"
)

// ToolGenerator runs an external wpa_passphrase compatible program.
type ToolGenerator struct {
	Tool   string
	Runner system.Runner
}

func (g *ToolGenerator) Generate(ctx context.Context, essid, passphrase string) ([]byte, error) {
	return g.Runner.Run(ctx, g.Tool, essid, passphrase)
}

// BuiltinGenerator derives the WPA pre-shared key in process using
// PBKDF2-HMAC-SHA1 with the ESSID as salt, and renders the same block
// wpa_passphrase prints.
type BuiltinGenerator struct{}

func (BuiltinGenerator) Generate(_ context.Context, essid, passphrase string) ([]byte, error) {
	if n := len(passphrase); n < 8 || n > 63 {
		return nil, fmt.Errorf("passphrase must be 8..63 characters")
	}
	if !printable(passphrase) {
		return nil, fmt.Errorf("passphrase must contain only printable ASCII characters")
	}
	psk := DerivePSK(essid, passphrase)
	block := fmt.Sprintf("network={\n\tssid=%s\n\t#psk=\"%s\"\n\tpsk=%s\n}\n", ssidValue(essid), passphrase, psk)
	return []byte(block), nil
}

// ssidValue renders the ssid field: quoted text for plain names, hex for
// names a quoted string cannot carry.
func ssidValue(essid string) string {
	if printable(essid) && !strings.Contains(essid, `"`) {
		return `"` + essid + `"`
	}
	return hex.EncodeToString([]byte(essid))
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// DerivePSK returns the hex encoded 256-bit pre-shared key.
func DerivePSK(essid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(essid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// NewGenerator picks the generator for a configured mode. In auto mode the
// external tool is used when it can be found.
func NewGenerator(mode, tool string, runner system.Runner) Generator {
	switch mode {
	case core.GeneratorBuiltin:
		return BuiltinGenerator{}
	case core.GeneratorTool:
		return &ToolGenerator{Tool: tool, Runner: runner}
	}

	if _, err := exec.LookPath(tool); err == nil {
		return &ToolGenerator{Tool: tool, Runner: runner}
	}
	slog.Debug(fmt.Sprintf("%s not found, using builtin key derivation", tool))
	return BuiltinGenerator{}
}
