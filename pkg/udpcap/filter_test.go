package udpcap

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kestrelnet/udpcap/pkg/hostaddr"
	"github.com/stretchr/testify/assert"
)

func TestBuildFilterStringLoopback(t *testing.T) {
	addr, _ := hostaddr.Parse("127.0.0.1")
	expr := buildFilterString(true, nil, addr, 5060, nil, true)

	assert.NotContains(t, expr, "not ether src", "loopback adapter has no ethernet header to exclude")
	assert.Contains(t, expr, "ip and udp")
	assert.Contains(t, expr, "udp port 5060")
	assert.Contains(t, expr, "ip dst 127.0.0.1")
}

func TestBuildFilterStringExcludesOwnMAC(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	addr, _ := hostaddr.Parse("192.168.1.50")
	expr := buildFilterString(false, mac, addr, 5060, nil, true)

	assert.Contains(t, expr, "not ether src 00:11:22:33:44:55 and")
}

func TestBuildFilterStringAnyAddressOmitsDstClause(t *testing.T) {
	expr := buildFilterString(false, nil, hostaddr.Any(), 5060, nil, true)
	assert.NotContains(t, expr, "ip dst")
}

func TestBuildFilterStringFragmentClause(t *testing.T) {
	addr, _ := hostaddr.Parse("10.0.0.5")
	expr := buildFilterString(false, nil, addr, 9000, nil, true)
	assert.Contains(t, expr, "ip[6:2] & 0x3fff != 0")
}

func TestBuildFilterStringMulticastGroups(t *testing.T) {
	addr, _ := hostaddr.Parse("10.0.0.5")
	g1, _ := hostaddr.Parse("239.1.1.1")
	g2, _ := hostaddr.Parse("239.2.2.2")

	expr := buildFilterString(false, nil, addr, 9000, []hostaddr.Address{g1, g2}, true)
	assert.Contains(t, expr, "ip multicast")
	assert.Contains(t, expr, "dst 239.1.1.1")
	assert.Contains(t, expr, "dst 239.2.2.2")
}

func TestBuildFilterStringLoopbackMulticastSuppressedWhenLoopbackDisabled(t *testing.T) {
	addr, _ := hostaddr.Parse("127.0.0.1")
	g1, _ := hostaddr.Parse("239.1.1.1")

	expr := buildFilterString(true, nil, addr, 9000, []hostaddr.Address{g1}, false)
	assert.NotContains(t, expr, "ip multicast and")
}

func TestBuildFilterStringNoGroupsOmitsMulticastClause(t *testing.T) {
	addr, _ := hostaddr.Parse("10.0.0.5")
	expr := buildFilterString(false, nil, addr, 9000, nil, true)
	assert.NotContains(t, expr, "ip multicast and (")
}

func TestCompileFilterRejectsGarbage(t *testing.T) {
	_, err := compileFilter("this is not a bpf expression {{", maxPacketSize, layers.LinkTypeEthernet)
	assert.Error(t, err)
}

func TestCompileFilterAcceptsSimpleExpression(t *testing.T) {
	instructions, err := compileFilter("ip and udp", maxPacketSize, layers.LinkTypeEthernet)
	assert.NoError(t, err)
	assert.NotEmpty(t, instructions)
}

func TestCompileFilterAcceptsNonEthernetLinkType(t *testing.T) {
	instructions, err := compileFilter("ip and udp", maxPacketSize, layers.LinkTypeLoop)
	assert.NoError(t, err)
	assert.NotEmpty(t, instructions)
}
