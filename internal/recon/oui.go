package recon

import (
	"bufio"
	"bytes"
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/HerbHall/netmapper/pkg/models"
)

//go:embed oui_data.txt
var ouiRawData []byte

// OUITable provides MAC address prefix to manufacturer lookup.
type OUITable struct {
	once     sync.Once
	table    map[string]string
	prefixes []string
}

// NewOUITable creates a new OUI lookup table.
func NewOUITable() *OUITable {
	return &OUITable{}
}

// Lookup returns the manufacturer for a given MAC address.
// The MAC can be in any common format (AA:BB:CC:DD:EE:FF, AA-BB-CC-DD-EE-FF, AABBCCDDEEFF).
// Returns empty string if not found.
func (o *OUITable) Lookup(mac string) string {
	o.once.Do(o.load)

	prefix := normalizeMAC(mac)
	if prefix == "" {
		return ""
	}
	return o.table[prefix]
}

// Vendor is Lookup with models.UnknownVendor in place of a miss.
func (o *OUITable) Vendor(mac string) string {
	if v := o.Lookup(mac); v != "" {
		return v
	}
	return models.UnknownVendor
}

// Prefixes returns every known OUI prefix in sorted order.
func (o *OUITable) Prefixes() []string {
	o.once.Do(o.load)
	out := make([]string, len(o.prefixes))
	copy(out, o.prefixes)
	return out
}

// load parses the embedded OUI data into the lookup table.
func (o *OUITable) load() {
	o.table = make(map[string]string, 128)
	scanner := bufio.NewScanner(bytes.NewReader(ouiRawData))
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		prefix := strings.ToUpper(strings.TrimSpace(parts[0]))
		vendor := strings.TrimSpace(parts[1])
		if prefix == "" || vendor == "" {
			continue
		}
		if _, dup := o.table[prefix]; !dup {
			o.prefixes = append(o.prefixes, prefix)
		}
		o.table[prefix] = vendor
	}
	sort.Strings(o.prefixes)
}

// normalizeMAC extracts the first 3 octets from a MAC address and returns
// them in uppercase colon-separated format (e.g., "AA:BB:CC").
func normalizeMAC(mac string) string {
	mac = strings.ToUpper(mac)
	mac = strings.ReplaceAll(mac, ":", "")
	mac = strings.ReplaceAll(mac, "-", "")
	mac = strings.ReplaceAll(mac, ".", "")

	if len(mac) < 6 {
		return ""
	}
	for _, c := range mac[:6] {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return ""
		}
	}
	return mac[0:2] + ":" + mac[2:4] + ":" + mac[4:6]
}
