package udpcap

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
)

// maxPacketSize is the snapshot length passed to every capture handle.
// "A snapshot length of 65535 should be sufficient, on most if not all
// networks, to capture all the data available from the packet" — Npcap
// docs, quoted verbatim in udpcap_socket_private.h's MAX_PACKET_SIZE.
const maxPacketSize = 65536

// captureHandle abstracts the capture backend bound to one network
// adapter. The filter changes after the handle is opened, since every
// bind/join/leave recompiles and reinstalls it, so SetFilter is part of
// the interface rather than an open-time-only option.
type captureHandle interface {
	// ReadPacketData returns one link-layer frame, blocking up to the
	// handle's configured poll timeout. It returns pcap.NextErrorTimeoutExpired
	// when no packet arrived within that timeout.
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)

	// SetFilter recompiles and installs a BPF expression on the handle.
	SetFilter(expr string) error

	// Stats reports adapter-level packet/drop counters from the backend.
	Stats() (received uint64, dropped uint64, err error)

	Close()
}

// pcapHandle is the default captureHandle backend, a libpcap/Npcap live
// capture. Grounded on openPcapDevice_nolock in udpcap_socket_private.cpp
// and on the NewInactiveHandle/Activate sequencing in
// other_examples/Dragon-Born-wg-quic__handle_pcap.go.
type pcapHandle struct {
	deviceName string
	handle     *pcap.Handle
}

// openPcapHandle opens device in promiscuous, immediate mode.
// pollTimeout bounds how long ReadPacketData blocks with no data, so the
// reader goroutine driving it can still notice a close request in a
// bounded amount of time.
func openPcapHandle(deviceName string, receiveBufferSize int, pollTimeout time.Duration) (*pcapHandle, error) {
	inactive, err := pcap.NewInactiveHandle(deviceName)
	if err != nil {
		return nil, fmt.Errorf("pcap.NewInactiveHandle(%s): %w", deviceName, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(maxPacketSize); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	// Capture every frame the adapter sees, not only those addressed to
	// it; the BPF filter installed after bind selects the relevant traffic.
	if err := inactive.SetPromisc(true); err != nil {
		return nil, fmt.Errorf("set promisc: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("set immediate mode: %w", err)
	}
	if err := inactive.SetTimeout(pollTimeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if receiveBufferSize > 0 {
		if err := inactive.SetBufferSize(receiveBufferSize); err != nil {
			return nil, fmt.Errorf("set buffer size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", deviceName, err)
	}

	return &pcapHandle{deviceName: deviceName, handle: handle}, nil
}

func (h *pcapHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return h.handle.ReadPacketData()
}

func (h *pcapHandle) SetFilter(expr string) error {
	raw, err := compileFilter(expr, maxPacketSize, h.handle.LinkType())
	if err != nil {
		return err
	}
	if err := h.handle.SetBPFInstructionFilter(rawToBPFInstruction(raw)); err != nil {
		return fmt.Errorf("set filter on %s: %w", h.deviceName, err)
	}
	return nil
}

func (h *pcapHandle) Stats() (uint64, uint64, error) {
	st, err := h.handle.Stats()
	if err != nil {
		return 0, 0, err
	}
	return uint64(st.PacketsReceived), uint64(st.PacketsDropped + st.PacketsIfDropped), nil
}

func (h *pcapHandle) Close() {
	h.handle.Close()
	logrus.WithField("device", h.deviceName).Debug("udpcap: pcap handle closed")
}

func rawToBPFInstruction(raw []bpf.RawInstruction) []pcap.BPFInstruction {
	out := make([]pcap.BPFInstruction, len(raw))
	for i, r := range raw {
		out[i] = pcap.BPFInstruction{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	return out
}
