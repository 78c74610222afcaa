package udpcap

import (
	"net"

	"golang.org/x/net/ipv4"
)

// kickstartPort is the fixed port the throwaway kickstart socket binds to.
const kickstartPort = 62000

// kickstartLoopbackMulticast primes the host's loopback multicast
// routing for every tracked group: the host stack will not begin
// delivering multicast traffic to the loopback path for a given group
// until some ordinary datagram socket has bound a port and joined it.
// Opening a throwaway socket, joining every tracked group, and sending
// one zero-byte datagram to each primes that path.
//
// Every step is best-effort: errors are logged and otherwise ignored.
func (s *Socket) kickstartLoopbackMulticast() {
	s.adapterMu.RLock()
	groups := make([]net.IP, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g.NetIP())
	}
	s.adapterMu.RUnlock()

	if len(groups) == 0 {
		return
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: kickstartPort})
	if err != nil {
		s.log.WithError(err).Debug("udpcap: kickstart socket open failed")
		return
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		s.log.WithError(err).Debug("udpcap: kickstart set loopback failed")
	}
	if err := pc.SetMulticastTTL(0); err != nil {
		s.log.WithError(err).Debug("udpcap: kickstart set ttl failed")
	}

	for _, g := range groups {
		dst := &net.UDPAddr{IP: g, Port: kickstartPort}
		if err := pc.JoinGroup(nil, dst); err != nil {
			s.log.WithError(err).WithField("group", g.String()).Debug("udpcap: kickstart join failed")
			continue
		}
		if _, err := conn.WriteToUDP(nil, dst); err != nil {
			s.log.WithError(err).WithField("group", g.String()).Debug("udpcap: kickstart send failed")
		}
		if err := pc.LeaveGroup(nil, dst); err != nil {
			s.log.WithError(err).WithField("group", g.String()).Debug("udpcap: kickstart leave failed")
		}
	}
}
