package recon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ARPTable maps IPv4 addresses to uppercase colon-separated MAC addresses.
type ARPTable map[string]string

// ReadARPTable returns the host's current neighbor table. On Linux it reads
// /proc/net/arp; elsewhere it runs "arp -a".
func ReadARPTable(ctx context.Context) (ARPTable, error) {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/net/arp")
		if err != nil {
			return nil, fmt.Errorf("read arp table: %w", err)
		}
		return ParseARPOutput(string(data), "linux"), nil
	}

	out, err := exec.CommandContext(ctx, "arp", "-a").Output()
	if err != nil {
		return nil, fmt.Errorf("run arp: %w", err)
	}
	return ParseARPOutput(string(out), runtime.GOOS), nil
}

// ParseARPOutput parses neighbor table output for the given platform.
// Incomplete, zero and broadcast entries are skipped. Unknown platforms
// yield an empty table.
func ParseARPOutput(output, platform string) ARPTable {
	table := make(ARPTable)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		var ip, mac string
		switch platform {
		case "linux":
			// IP address  HW type  Flags  HW address  Mask  Device
			if len(fields) < 4 || fields[2] == "0x0" {
				continue
			}
			ip, mac = fields[0], fields[3]
		case "windows":
			if len(fields) < 3 || !strings.Contains(fields[1], "-") {
				continue
			}
			ip, mac = fields[0], fields[1]
		case "darwin":
			// ? (192.168.1.1) at aa:bb:cc:dd:ee:ff on en0 ...
			if len(fields) < 4 || fields[2] != "at" {
				continue
			}
			ip, mac = strings.Trim(fields[1], "()"), fields[3]
		default:
			return table
		}

		mac = canonicalMAC(mac)
		if mac == "" || mac == "00:00:00:00:00:00" || mac == "FF:FF:FF:FF:FF:FF" {
			continue
		}
		table[ip] = mac
	}
	return table
}

// canonicalMAC returns mac as uppercase colon-separated octets, or "" when
// it is not a 6-octet hardware address.
func canonicalMAC(mac string) string {
	mac = strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return ""
	}
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
			p = parts[i]
		}
		if len(p) != 2 || strings.Trim(p, "0123456789ABCDEF") != "" {
			return ""
		}
	}
	return strings.Join(parts, ":")
}
