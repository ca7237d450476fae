package scan

import (
	"bufio"
	"bytes"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	cellRe       = regexp.MustCompile(`Cell (\d+) - Address: (.*)`)
	qualityRe    = regexp.MustCompile(`Quality=(\d+)/70`)
	encryptionRe = regexp.MustCompile(`Encryption key:(.*)`)
	essidRe      = regexp.MustCompile(`ESSID:"(.*)"`)
	cipherRe     = regexp.MustCompile(`IE: IEEE \d*\.\d+\w*/(.*) V`)
)

// Parse reads iwlist scan output. A "Cell NN - Address:" line opens a record
// and every following attribute line belongs to it until the next cell.
// Lines before the first cell are ignored. Cell numbers start at 01 and are
// stored 0-based.
func Parse(output []byte) []Network {
	cells := make(map[int]*Network)
	var current *Network

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if m := cellRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				current = nil
				continue
			}
			current = &Network{Cell: n - 1, Address: strings.TrimSpace(m[2])}
			cells[current.Cell] = current
			continue
		}
		if current == nil {
			continue
		}

		if m := qualityRe.FindStringSubmatch(line); m != nil {
			if q, err := strconv.Atoi(m[1]); err == nil {
				current.Quality = q
				current.Fields |= FieldQuality
			}
		}
		if m := encryptionRe.FindStringSubmatch(line); m != nil {
			current.Encrypted = strings.TrimSpace(m[1]) == "on"
			current.Fields |= FieldEncryption
			if !current.Has(FieldCipher) {
				current.Cipher = CipherNone
			}
		}
		if m := essidRe.FindStringSubmatch(line); m != nil {
			current.ESSID = m[1]
			current.Fields |= FieldESSID
		}
		if m := cipherRe.FindStringSubmatch(line); m != nil {
			if m[1] == "WPA2" {
				current.Cipher = CipherWPA2
			} else if current.Cipher != CipherWPA2 {
				current.Cipher = CipherOther
			}
			current.Fields |= FieldCipher
		}
	}

	networks := make([]Network, 0, len(cells))
	for _, n := range cells {
		networks = append(networks, *n)
	}
	slices.SortFunc(networks, func(a, b Network) int { return a.Cell - b.Cell })
	return networks
}
