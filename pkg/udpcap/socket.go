// Package udpcap implements a receive-only UDP datagram socket built on
// top of a raw packet-capture driver (libpcap/Npcap via gopacket). It
// binds capture handles to network adapters, installs a kernel BPF
// filter narrowing traffic to the bound UDP port, reassembles fragmented
// IPv4 datagrams in user space, and exposes a socket-like blocking
// receive API that bypasses the host protocol stack.
//
// Grounded throughout on original_source/udpcap/src/udpcap_socket_private.cpp.
package udpcap

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/kestrelnet/udpcap/pkg/hostaddr"
	"github.com/kestrelnet/udpcap/pkg/pcapdrv"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"
	"go.uber.org/multierr"
)

// maxWaitSlots bounds how many adapter channels a single receive call
// multiplexes over in one reflect.Select, mirroring the
// MAXIMUM_WAIT_OBJECTS ceiling the original bumps into on
// WaitForMultipleObjects. Adapters beyond this count are still opened
// and still deliver into their own channel, but that channel is not
// included in the select set, so their traffic is only picked up on the
// non-blocking drain pass.
const maxWaitSlots = 64

// HandleBackend selects the capture transport used when opening adapters.
type HandleBackend int

const (
	// BackendPcap uses libpcap/Npcap live capture. The default, and the
	// only backend available outside Linux.
	BackendPcap HandleBackend = iota
	// BackendAFPacket uses a raw AF_PACKET socket (Linux only). The
	// loopback adapter is always opened via BackendPcap regardless of
	// this setting, since AF_PACKET's promiscuous ring buffer mode
	// offers no benefit on loopback traffic.
	BackendAFPacket
)

// Options configures a Socket at construction time. The rest of the
// socket's configuration surface (receive buffer size, multicast flags,
// bound address/port) is mutated through the public API after
// construction instead; Options only covers the choice of capture
// backend.
type Options struct {
	// Backend selects the capture transport. Zero value is BackendPcap.
	Backend HandleBackend
}

type adapterEntry struct {
	handle     captureHandle
	isLoopback bool
	deviceName string
	linkType   layers.LinkType
	reassembler *reassembler
	stats      *AdapterStats
	packets    chan capturedFrame
	stopReader chan struct{}
	readerDone chan struct{}
}

type capturedFrame struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Socket is the capture socket: the bound set of capture handles, their
// per-adapter IP reassemblers, and the multiplexed blocking receive with
// timeout and safe concurrent close.
type Socket struct {
	id      uuid.UUID
	backend HandleBackend

	valid  *abool.AtomicBool
	bound  *abool.AtomicBool
	closed *abool.AtomicBool

	// adapterMu guards everything below it: the adapter list itself
	// (writers: bind, close-phase-2) and the fields read by the filter
	// synthesizer (writers: bind, join/leave, set-multicast-loopback,
	// all of which must be serialized against receive).
	adapterMu sync.RWMutex

	boundAddress hostaddr.Address
	boundPort    uint16

	multicastLoopbackEnabled bool
	groups                   map[hostaddr.Address]struct{}
	receiveBufferSize        int

	adapters []*adapterEntry

	// callbackMu is held around each non-blocking packet pull and
	// around handle teardown in Close, so Close cannot free a handle
	// while the packet handler is still dereferencing its memory.
	callbackMu sync.Mutex

	done chan struct{}

	log *logrus.Entry
}

// New constructs a Socket. It calls the capture driver bootstrap and
// records the result as the validity flag; no I/O resources are
// allocated yet. Grounded on UdpcapSocketPrivate's constructor, which
// calls NpcapHelpers::initialize().
func New(opts Options) *Socket {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	valid := pcapdrv.Initialize()

	s := &Socket{
		id:                       id,
		backend:                  opts.Backend,
		valid:                    abool.NewBool(valid),
		bound:                    abool.New(),
		closed:                   abool.New(),
		multicastLoopbackEnabled: true,
		groups:                   make(map[hostaddr.Address]struct{}),
		done:                     make(chan struct{}),
		log:                      logrus.WithField("socket", id.String()),
	}
	if !valid {
		s.log.Warn("udpcap: capture driver unavailable, socket will be invalid")
	}
	return s
}

// IsValid reports whether the capture driver bootstrap succeeded.
func (s *Socket) IsValid() bool { return s.valid.IsSet() }

// IsBound reports whether the socket currently has an open adapter set.
func (s *Socket) IsBound() bool { return s.bound.IsSet() }

// IsClosed reports whether Close has been called.
func (s *Socket) IsClosed() bool { return s.closed.IsSet() }

// LocalAddress returns the bound address, or the invalid sentinel if not bound.
func (s *Socket) LocalAddress() hostaddr.Address {
	if !s.IsBound() {
		return hostaddr.Invalid()
	}
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()
	return s.boundAddress
}

// LocalPort returns the bound port, or 0 if not bound.
func (s *Socket) LocalPort() uint16 {
	if !s.IsBound() {
		return 0
	}
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()
	return s.boundPort
}

// SetReceiveBufferSize records a hint applied to capture handles opened
// by a subsequent Bind. Fails if invalid, already bound, or n is below
// the snap length.
func (s *Socket) SetReceiveBufferSize(n int) bool {
	if !s.IsValid() {
		s.log.Debug("udpcap: set receive buffer size failed, socket invalid")
		return false
	}
	if s.IsBound() {
		s.log.Debug("udpcap: set receive buffer size failed, socket already bound")
		return false
	}
	if n < maxPacketSize {
		s.log.WithField("requested", n).Debugf("udpcap: receive buffer size below minimum %d", maxPacketSize)
		return false
	}
	s.adapterMu.Lock()
	s.receiveBufferSize = n
	s.adapterMu.Unlock()
	return true
}

// Bind opens the adapter set for (addr, port) per the adapter-selection
// rules in openAdaptersForBind, installs the BPF filter on every opened
// handle, and transitions the socket to Bound.
func (s *Socket) Bind(addr hostaddr.Address, port uint16) bool {
	if !s.IsValid() || s.IsBound() || !addr.IsValid() {
		return false
	}

	entries, err := s.openAdaptersForBind(addr)
	if err != nil {
		s.log.WithError(err).Error("udpcap: bind failed")
		return false
	}
	if len(entries) == 0 {
		s.log.Error("udpcap: bind failed, no adapter could be opened")
		return false
	}

	s.adapterMu.Lock()
	s.boundAddress = addr
	s.boundPort = port
	s.adapters = entries
	s.adapterMu.Unlock()

	if len(entries) > maxWaitSlots {
		s.log.WithFields(logrus.Fields{
			"adapters": len(entries),
			"limit":    maxWaitSlots,
		}).Warn("udpcap: more adapters open than wait slots, excess adapters only drained, never waited on")
	}

	s.updateAllFilters()
	s.startReaders(entries)
	s.bound.Set()
	s.log.WithFields(logrus.Fields{"address": addr.String(), "port": port, "adapters": len(entries)}).Info("udpcap: bound")
	return true
}

// openAdaptersForBind picks which adapters to open for a bind, based on
// whether the requested address is loopback, any, or a specific
// interface's address.
func (s *Socket) openAdaptersForBind(addr hostaddr.Address) ([]*adapterEntry, error) {
	switch {
	case addr.IsLoopback():
		name := pcapdrv.LoopbackDeviceName()
		if name == "" {
			return nil, fmt.Errorf("no loopback device known")
		}
		entry, err := s.openAdapter(name, true)
		if err != nil {
			return nil, err
		}
		return []*adapterEntry{entry}, nil

	case addr.IsAny():
		devices, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("enumerate devices: %w", err)
		}
		return s.openAllConcurrently(devices), nil

	default:
		devices, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("enumerate devices: %w", err)
		}
		matchName, found := matchDeviceByAddress(devices, addr)
		if !found {
			return nil, fmt.Errorf("no adapter with address %s", addr.String())
		}
		entry, err := s.openAdapter(matchName, false)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", matchName, err)
		}

		loopbackName := pcapdrv.LoopbackDeviceName()
		if loopbackName == "" {
			entry.handle.Close()
			return nil, fmt.Errorf("no loopback device known")
		}
		loopbackEntry, err := s.openAdapter(loopbackName, true)
		if err != nil {
			entry.handle.Close()
			return nil, fmt.Errorf("open loopback %s: %w", loopbackName, err)
		}
		return []*adapterEntry{entry, loopbackEntry}, nil
	}
}

// openAllConcurrently opens every discovered device best-effort and
// concurrently via conc.WaitGroup, aggregating per-adapter failures with
// multierr for a single structured log line rather than N separate log
// calls. This improves on the original's sequential open loop, which
// matters on hosts with many adapters; bind succeeds as long as at least
// one adapter opened.
func (s *Socket) openAllConcurrently(devices []pcap.Interface) []*adapterEntry {
	var mu sync.Mutex
	var entries []*adapterEntry
	var errs error

	var wg conc.WaitGroup
	for _, dev := range devices {
		dev := dev
		wg.Go(func() {
			entry, err := s.openAdapter(dev.Name, pcapdrv.IsLoopbackDevice(dev.Name))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", dev.Name, err))
				return
			}
			entries = append(entries, entry)
		})
	}
	wg.Wait()

	if errs != nil {
		s.log.WithError(errs).Debug("udpcap: some adapters failed to open during any-address bind")
	}
	return entries
}

func matchDeviceByAddress(devices []pcap.Interface, addr hostaddr.Address) (string, bool) {
	for _, dev := range devices {
		if pcapdrv.IsLoopbackDevice(dev.Name) {
			continue
		}
		for _, a := range dev.Addresses {
			if candidate, ok := hostaddr.FromNetIP(a.IP); ok && candidate == addr {
				return dev.Name, true
			}
		}
	}
	return "", false
}

func (s *Socket) openAdapter(deviceName string, isLoopback bool) (*adapterEntry, error) {
	s.adapterMu.RLock()
	bufSize := s.receiveBufferSize
	s.adapterMu.RUnlock()

	var handle captureHandle
	var linkType layers.LinkType
	var err error

	if s.backend == BackendAFPacket && !isLoopback {
		handle, err = openAFPacketHandle(deviceName)
		linkType = layers.LinkTypeEthernet
	} else {
		var ph *pcapHandle
		ph, err = openPcapHandle(deviceName, bufSize, 50*time.Millisecond)
		if ph != nil {
			linkType = ph.handle.LinkType()
		}
		handle = ph
	}
	if err != nil {
		return nil, err
	}

	return &adapterEntry{
		handle:      handle,
		isLoopback:  isLoopback,
		deviceName:  deviceName,
		linkType:    linkType,
		reassembler: newReassembler(),
		stats:       newAdapterStats(),
		packets:     make(chan capturedFrame, 256),
		stopReader:  make(chan struct{}),
		readerDone:  make(chan struct{}),
	}, nil
}

// startReaders launches one background goroutine per adapter that
// blocks in ReadPacketData and forwards frames onto the adapter's
// channel. This is the Go-idiomatic realization of the wait-handle
// array: instead of waiting on OS-level handles, the receive loop does
// a reflect.Select over these channels (see receive.go).
func (s *Socket) startReaders(entries []*adapterEntry) {
	for _, e := range entries {
		e := e
		go func() {
			defer close(e.readerDone)
			for {
				select {
				case <-e.stopReader:
					return
				default:
				}

				data, ci, err := e.handle.ReadPacketData()
				if err != nil {
					if err == pcap.NextErrorTimeoutExpired {
						continue
					}
					select {
					case <-e.stopReader:
						return
					default:
					}
					s.log.WithError(err).WithField("device", e.deviceName).Debug("udpcap: reader stopped on error")
					return
				}

				select {
				case e.packets <- capturedFrame{data: data, ci: ci}:
				case <-e.stopReader:
					return
				}
			}
		}()
	}
}

// updateAllFilters recomputes the BPF expression for the socket's
// current state and reinstalls it on every open handle.
func (s *Socket) updateAllFilters() {
	s.adapterMu.RLock()
	boundAddress := s.boundAddress
	boundPort := s.boundPort
	multicastLoopback := s.multicastLoopbackEnabled
	groups := make([]hostaddr.Address, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	entries := s.adapters
	s.adapterMu.RUnlock()

	for _, e := range entries {
		var mac net.HardwareAddr
		if !e.isLoopback {
			if iface, err := net.InterfaceByName(e.deviceName); err == nil {
				mac = iface.HardwareAddr
			}
		}
		expr := buildFilterString(e.isLoopback, mac, boundAddress, boundPort, groups, multicastLoopback)
		s.log.WithFields(logrus.Fields{"device": e.deviceName, "filter": expr}).Debug("udpcap: installing filter")
		if err := e.handle.SetFilter(expr); err != nil {
			s.log.WithError(err).WithField("device", e.deviceName).Error("udpcap: failed to install filter, handle keeps previous filter")
		}
	}
}

// JoinMulticastGroup adds g to the group set, reinstalls the filter on
// every handle, and runs the Loopback Multicast Kickstart if loopback
// multicast is enabled.
func (s *Socket) JoinMulticastGroup(g hostaddr.Address) bool {
	if !s.IsValid() || !s.IsBound() || !g.IsMulticast() {
		return false
	}

	s.adapterMu.Lock()
	if _, exists := s.groups[g]; exists {
		s.adapterMu.Unlock()
		return false
	}
	s.groups[g] = struct{}{}
	kickstart := s.multicastLoopbackEnabled
	s.adapterMu.Unlock()

	s.updateAllFilters()
	if kickstart {
		s.kickstartLoopbackMulticast()
	}
	return true
}

// LeaveMulticastGroup removes g from the group set and reinstalls the
// filter. No kickstart is performed on leave.
func (s *Socket) LeaveMulticastGroup(g hostaddr.Address) bool {
	if !s.IsValid() || !s.IsBound() {
		return false
	}

	s.adapterMu.Lock()
	if _, exists := s.groups[g]; !exists {
		s.adapterMu.Unlock()
		return false
	}
	delete(s.groups, g)
	s.adapterMu.Unlock()

	s.updateAllFilters()
	return true
}

// IsMulticastLoopbackEnabled reports the current loopback-multicast flag.
func (s *Socket) IsMulticastLoopbackEnabled() bool {
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()
	return s.multicastLoopbackEnabled
}

// SetMulticastLoopbackEnabled changes the loopback-multicast flag. It is
// a no-op if the flag is unchanged; otherwise the filter is recomputed,
// and a false→true transition with groups already joined triggers the
// kickstart.
func (s *Socket) SetMulticastLoopbackEnabled(enabled bool) {
	s.adapterMu.Lock()
	if s.multicastLoopbackEnabled == enabled {
		s.adapterMu.Unlock()
		return
	}
	wasDisabled := !s.multicastLoopbackEnabled
	hasGroups := len(s.groups) > 0
	s.multicastLoopbackEnabled = enabled
	s.adapterMu.Unlock()

	s.updateAllFilters()
	if enabled && wasDisabled && hasGroups {
		s.kickstartLoopbackMulticast()
	}
}

// Close tears down every handle, marks the socket Closed, and wakes any
// receiver blocked in ReceiveDatagram. Idempotent.
func (s *Socket) Close() {
	if !s.closed.SetToIf(false, true) {
		return
	}
	close(s.done)

	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	s.adapterMu.RLock()
	entries := s.adapters
	s.adapterMu.RUnlock()

	for _, e := range entries {
		close(e.stopReader)
		e.handle.Close()
		<-e.readerDone
	}

	s.adapterMu.Lock()
	s.adapters = nil
	s.adapterMu.Unlock()

	s.bound.UnSet()
	s.log.Info("udpcap: closed")
}

// AdapterSnapshots returns a point-in-time counter snapshot for every
// currently open adapter, keyed by pcap device name. Safe to call
// concurrently with ReceiveDatagram.
func (s *Socket) AdapterSnapshots() map[string]Snapshot {
	s.adapterMu.RLock()
	defer s.adapterMu.RUnlock()

	out := make(map[string]Snapshot, len(s.adapters))
	for _, e := range s.adapters {
		out[e.deviceName] = e.stats.snapshot()
	}
	return out
}
