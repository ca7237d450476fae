// Package scan discovers nearby wireless networks and caches the result for a
// configurable validity window.
package scan

import (
	"fmt"
	"math"
	"strings"
)

// Field marks which attributes a scan reported for a network. Absent
// attributes stay absent instead of being zero-filled.
type Field uint8

const (
	FieldQuality Field = 1 << iota
	FieldEncryption
	FieldCipher
	FieldESSID
)

// Cipher is the encryption family advertised by a network.
type Cipher string

const (
	CipherNone  Cipher = "none"
	CipherWPA2  Cipher = "wpa2"
	CipherOther Cipher = "other"
)

// Network is one cell reported by the scan tool.
type Network struct {
	Cell      int // 0-based cell index
	Address   string
	Quality   int // out of 70
	Encrypted bool
	Cipher    Cipher
	ESSID     string
	Fields    Field
}

// Has reports whether the scan reported f for this network.
func (n Network) Has(f Field) bool {
	return n.Fields&f != 0
}

// SignalPercent converts the x/70 quality to a whole percentage, rounded
// down. Networks without a quality report 0.
func (n Network) SignalPercent() int {
	if !n.Has(FieldQuality) {
		return 0
	}
	return int(math.Floor(float64(n.Quality) / 70.0 * 100.0))
}

// Security is the label shown in the network table.
func (n Network) Security() string {
	if !n.Encrypted {
		return "open"
	}
	if n.Cipher == CipherWPA2 {
		return "WPA2"
	}
	return "other"
}

const tableHeader = "Address\t\t\tSignal\tEncrypt\tESSID\n"

// Table renders networks in the fixed tab-separated layout clients print
// verbatim.
func Table(networks []Network) string {
	var b strings.Builder
	b.WriteString(tableHeader)
	for _, n := range networks {
		fmt.Fprintf(&b, "%s\t%d%%\t%s\t%s\n", n.Address, n.SignalPercent(), n.Security(), n.ESSID)
	}
	return b.String()
}
