package udpcap

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEthernetUDPFrame(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Flags:    layers.IPv4DontFragment,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func buildFragmentedEthernetUDPFrames(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte, fragSize int) [][]byte {
	t.Helper()
	udpBuf := gopacket.NewSerializeBuffer()
	ipForChecksum := &layers.IPv4{Version: 4, IHL: 5, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ipForChecksum))
	require.NoError(t, gopacket.SerializeLayers(udpBuf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, udp, gopacket.Payload(payload)))
	fullPayload := udpBuf.Bytes()

	var frames [][]byte
	for offset := 0; offset < len(fullPayload); offset += fragSize {
		end := offset + fragSize
		if end > len(fullPayload) {
			end = len(fullPayload)
		}
		flags := layers.IPv4MoreFragments
		if end == len(fullPayload) {
			flags = 0
		}

		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:    4,
			IHL:        5,
			Id:         123,
			TTL:        64,
			Protocol:   layers.IPProtocolUDP,
			SrcIP:      srcIP,
			DstIP:      dstIP,
			Flags:      flags,
			FragOffset: uint16(offset / 8),
		}

		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, ip, gopacket.Payload(fullPayload[offset:end])))
		frames = append(frames, buf.Bytes())
	}
	return frames
}

func newTestAdapterEntry() *adapterEntry {
	return &adapterEntry{
		linkType:    layers.LinkTypeEthernet,
		reassembler: newReassembler(),
		stats:       newAdapterStats(),
	}
}

func TestHandleFrameDeliversUnfragmentedDatagram(t *testing.T) {
	e := newTestAdapterEntry()
	frame := buildEthernetUDPFrame(t, net.IPv4(192, 168, 1, 50), net.IPv4(192, 168, 1, 100), 5060, 9000, []byte("hello world"))

	buf := make([]byte, 1500)
	result, complete := e.handleFrame(frame, 9000, buf)
	require.True(t, complete)
	assert.Equal(t, "hello world", string(buf[:result.n]))
	assert.Equal(t, uint16(5060), result.srcPort)
	assert.Equal(t, "192.168.1.50", result.srcAddr.String())
	assert.Equal(t, uint64(1), e.stats.PacketsDelivered.Load())
}

func TestHandleFrameDropsWrongPort(t *testing.T) {
	e := newTestAdapterEntry()
	frame := buildEthernetUDPFrame(t, net.IPv4(192, 168, 1, 50), net.IPv4(192, 168, 1, 100), 5060, 9000, []byte("irrelevant"))

	buf := make([]byte, 1500)
	_, complete := e.handleFrame(frame, 12345, buf)
	assert.False(t, complete)
	assert.Equal(t, uint64(1), e.stats.Dropped.Load())
}

func TestHandleFrameReassemblesFragmentedDatagram(t *testing.T) {
	e := newTestAdapterEntry()
	payload := make([]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		payload = append(payload, byte(i))
	}

	frames := buildFragmentedEthernetUDPFrames(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 4000, 9000, payload, 512)
	require.True(t, len(frames) > 1)

	buf := make([]byte, 4096)
	var result deliveredDatagram
	var complete bool
	for _, frame := range frames {
		result, complete = e.handleFrame(frame, 9000, buf)
	}
	require.True(t, complete)
	assert.Equal(t, payload, buf[:result.n])
	assert.Equal(t, uint64(len(frames)), e.stats.FragmentsSeen.Load())
}

func TestHandleFrameDropsNonIPv4(t *testing.T) {
	e := newTestAdapterEntry()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		SourceProtAddress: []byte{192, 168, 1, 50},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 100},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	outBuf := make([]byte, 1500)
	_, complete := e.handleFrame(buf.Bytes(), 9000, outBuf)
	assert.False(t, complete)
	assert.Equal(t, uint64(1), e.stats.Dropped.Load())
}
