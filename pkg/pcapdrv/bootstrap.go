// Package pcapdrv bootstraps the capture driver (libpcap/Npcap) and
// exposes the handful of process-wide facts the udpcap core needs: that
// the driver is usable, which pcap device is the loopback adapter, and a
// mutex to serialize BPF compilation.
//
// Grounded on original_source/udpcap/src/npcap_helpers.cpp: Initialize,
// IsInitialized, GetLoopbackDeviceName and IsLoopbackDevice have the same
// contract there, minus the Windows registry/DLL loading which has no Go
// portable equivalent — here "initializing the driver" means confirming
// gopacket/pcap can enumerate devices and that one of them is a loopback
// adapter.
package pcapdrv

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

var (
	mu            sync.Mutex
	initialized   bool
	initErr       error
	loopbackName  string
	loopbackKnown bool

	// CompileMutex serializes pcap_compile calls across the whole
	// process. The Filter Synthesizer must hold it around every
	// pcap.CompileBPFFilter / Handle.SetBPFFilter call, mirroring the
	// original's pcap_compile_mutex.
	CompileMutex sync.Mutex
)

// Initialize probes the capture driver and the loopback adapter. It is
// idempotent and safe for concurrent callers; a successful result is
// memoized, while after a failure the next call probes again.
func Initialize() bool {
	mu.Lock()
	defer mu.Unlock()

	if initialized {
		return true
	}

	devices, err := pcap.FindAllDevs()
	if err != nil {
		initErr = fmt.Errorf("pcap.FindAllDevs: %w", err)
		logrus.WithError(initErr).Error("udpcap: capture driver unavailable")
		return false
	}

	name, found := findLoopbackDeviceLocked(devices)
	if !found {
		initErr = fmt.Errorf("no loopback capture device found among %d devices", len(devices))
		logrus.WithError(initErr).Error("udpcap: loopback adapter not accessible")
		return false
	}

	loopbackName = name
	loopbackKnown = true
	initialized = true
	logrus.WithField("loopback_device", loopbackName).Info("udpcap: capture driver ready")
	return true
}

// IsInitialized reports whether Initialize has previously succeeded.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return initialized
}

// LoopbackDeviceName returns the pcap device name of the loopback
// adapter. It triggers Initialize if it has not run yet.
func LoopbackDeviceName() string {
	mu.Lock()
	if loopbackKnown {
		defer mu.Unlock()
		return loopbackName
	}
	mu.Unlock()

	Initialize()

	mu.Lock()
	defer mu.Unlock()
	return loopbackName
}

// IsLoopbackDevice reports whether the given pcap device name is the
// loopback adapter.
func IsLoopbackDevice(name string) bool {
	return name != "" && name == LoopbackDeviceName()
}

// findLoopbackDeviceLocked cross-references the pcap device list against
// net.Interfaces() flags to find the loopback adapter. Must be called
// with mu held.
func findLoopbackDeviceLocked(devices []pcap.Interface) (string, bool) {
	netIfaces, _ := net.Interfaces()

	loopbackAddrs := map[string]bool{}
	for _, iface := range netIfaces {
		if iface.Flags&net.FlagLoopback == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				loopbackAddrs[ipNet.IP.String()] = true
			}
		}
	}

	for _, dev := range devices {
		for _, a := range dev.Addresses {
			if a.IP != nil && loopbackAddrs[a.IP.String()] {
				return dev.Name, true
			}
		}
		// Fall back to name-based heuristics for platforms where the
		// pcap device name directly echoes the OS interface name (Linux,
		// *BSD, macOS all call it "lo0"/"lo").
		if dev.Name == "lo" || dev.Name == "lo0" {
			return dev.Name, true
		}
	}
	return "", false
}
