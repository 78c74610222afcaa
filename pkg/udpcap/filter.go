package udpcap

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/kestrelnet/udpcap/pkg/hostaddr"
	"github.com/kestrelnet/udpcap/pkg/pcapdrv"
	"golang.org/x/net/bpf"
)

// buildFilterString assembles the BPF filter expression that restricts a
// capture handle to the traffic this socket cares about. Grounded on
// UdpcapSocketPrivate::createFilterString in udpcap_socket_private.cpp;
// the clause order and structure below is a direct translation of that
// function's stringstream build-up.
func buildFilterString(isLoopback bool, mac net.HardwareAddr, boundAddress hostaddr.Address, boundPort uint16, groups []hostaddr.Address, multicastLoopbackEnabled bool) string {
	var b strings.Builder

	// No outgoing packets (loopback packets don't carry an Ethernet header
	// to match against, so this clause is skipped for the loopback adapter).
	if !isLoopback && len(mac) == 6 {
		fmt.Fprintf(&b, "not ether src %s and ", mac.String())
	}

	// IP traffic carrying a UDP payload.
	b.WriteString("ip and udp")

	// The bound UDP port, or any IPv4 fragment (fragments don't carry a
	// UDP header we can match the port against).
	fmt.Fprintf(&b, " and (udp port %d or (ip[6:2] & 0x3fff != 0))", boundPort)

	// Unicast traffic destined for the bound address, plus any multicast
	// traffic for the joined groups.
	b.WriteString(" and (((not ip multicast)")
	if boundAddress != hostaddr.Any() && boundAddress != hostaddr.Broadcast() {
		fmt.Fprintf(&b, " and (ip dst %s)", boundAddress.String())
	}
	b.WriteString(")")

	if len(groups) > 0 && (!isLoopback || multicastLoopbackEnabled) {
		b.WriteString(" or (ip multicast and (")
		for i, g := range groups {
			if i > 0 {
				b.WriteString(" or ")
			}
			fmt.Fprintf(&b, "dst %s", g.String())
		}
		b.WriteString("))")
	}
	b.WriteString(")")

	return b.String()
}

// compileFilter compiles a BPF expression into raw instructions suitable
// for either a pcap.Handle (SetBPFInstructionFilter) or an afpacket
// TPacket (SetBPF). linkType must match the handle's actual link-layer
// framing: the byte-offset clauses in buildFilterString (e.g. the
// fragment-offset check) are only valid against the header layout
// linkType describes, and loopback adapters are not always
// Ethernet-framed. pcap_compile is not reentrant, so compilation is
// serialized process-wide through pcapdrv.CompileMutex.
func compileFilter(expr string, snapLen int, linkType layers.LinkType) ([]bpf.RawInstruction, error) {
	pcapdrv.CompileMutex.Lock()
	defer pcapdrv.CompileMutex.Unlock()

	instructions, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, err)
	}

	raw := make([]bpf.RawInstruction, len(instructions))
	for i, ins := range instructions {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}
