package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
)

// DeviceIdentity identifies the host a client runs on
type DeviceIdentity struct {
	ID         string `json:"device_id"`
	Hostname   string `json:"hostname"`
	MACAddress string `json:"mac_address"`
	OS         string `json:"os"`
	Platform   string `json:"platform"`
}

var (
	deviceOnce sync.Once
	device     DeviceIdentity
)

// CurrentDevice returns the identity of this host. It is computed once per
// process.
func CurrentDevice() DeviceIdentity {
	deviceOnce.Do(func() {
		device = buildDeviceIdentity(hostname(), primaryMAC())
	})
	return device
}

func buildDeviceIdentity(host, mac string) DeviceIdentity {
	factors := []string{host, mac, runtime.GOOS, runtime.GOARCH}
	sum := sha256.Sum256([]byte(strings.Join(factors, "|")))
	return DeviceIdentity{
		ID:         hex.EncodeToString(sum[:]),
		Hostname:   host,
		MACAddress: mac,
		OS:         runtime.GOOS,
		Platform:   runtime.GOARCH,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		slog.Warn("failed to read hostname, using fallback", slog.Any("error", err))
		return "unknown-host"
	}
	return h
}

// primaryMAC returns the first non-loopback, up interface hardware address.
func primaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("failed to list network interfaces", slog.String("error", err.Error()))
		return "unknown-mac"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return "unknown-mac"
}
