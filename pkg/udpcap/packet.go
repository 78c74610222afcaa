package udpcap

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kestrelnet/udpcap/pkg/hostaddr"
)

// deliveredDatagram is what the packet handler hands back to the receive
// loop on a completed delivery.
type deliveredDatagram struct {
	srcAddr hostaddr.Address
	srcPort uint16
	n       int
}

// handleFrame strips the link layer, locates IPv4, reassembles if
// fragmented, locates UDP, checks the bound port, and copies the
// payload into buf. It returns (result, true) on a completed delivery
// and (zero, false) if the frame was consumed (a fragment, or dropped
// as irrelevant) without producing a datagram.
func (e *adapterEntry) handleFrame(data []byte, boundPort uint16, buf []byte) (deliveredDatagram, bool) {
	e.stats.PacketsSeen.Inc()
	e.reassembler.sweep(time.Now())

	pkt := gopacket.NewPacket(data, e.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}

	if isFragment(ip) {
		e.stats.FragmentsSeen.Inc()
		payload, complete := e.reassembler.insert(ip)
		if !complete {
			return deliveredDatagram{}, false
		}
		return e.deliverFromReassembledPayload(ip, payload, boundPort, buf)
	}

	return e.deliverFromUDPLayer(pkt, ip, boundPort, buf)
}

// deliverFromUDPLayer handles the common, non-fragmented case: the UDP
// layer is already parsed by gopacket's decode chain off the original frame.
func (e *adapterEntry) deliverFromUDPLayer(pkt gopacket.Packet, ip *layers.IPv4, boundPort uint16, buf []byte) (deliveredDatagram, bool) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}
	if uint16(udp.DstPort) != boundPort {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}

	return e.deliver(ip.SrcIP, uint16(udp.SrcPort), udp.Payload, buf)
}

// deliverFromReassembledPayload re-parses a reassembled IPv4 payload as
// UDP, since the original frame's own UDP layer (if any) belonged to
// just the first fragment.
func (e *adapterEntry) deliverFromReassembledPayload(ip *layers.IPv4, payload []byte, boundPort uint16, buf []byte) (deliveredDatagram, bool) {
	udp := &layers.UDP{}
	if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}
	if uint16(udp.DstPort) != boundPort {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}

	return e.deliver(ip.SrcIP, uint16(udp.SrcPort), udp.Payload, buf)
}

func (e *adapterEntry) deliver(srcIP []byte, srcPort uint16, payload []byte, buf []byte) (deliveredDatagram, bool) {
	addr, ok := hostaddr.FromNetIP(srcIP)
	if !ok {
		e.stats.Dropped.Inc()
		return deliveredDatagram{}, false
	}
	n := copy(buf, payload)
	e.stats.PacketsDelivered.Inc()
	return deliveredDatagram{srcAddr: addr, srcPort: srcPort, n: n}, true
}
