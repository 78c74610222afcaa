package udpcap

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/kestrelnet/udpcap/pkg/hostaddr"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tevino/abool"
)

// fakeHandle is a captureHandle whose ReadPacketData blocks on a channel
// fed by the test, modeling the real pcap/afpacket handles closely enough
// to exercise the Socket's multiplexed receive loop without a live
// capture device.
type fakeHandle struct {
	frames  chan []byte
	closed  chan struct{}
	filters []string
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case data := <-f.frames:
		return data, gopacket.CaptureInfo{CaptureLength: len(data), Length: len(data)}, nil
	case <-f.closed:
		return nil, gopacket.CaptureInfo{}, pcap.NextErrorTimeoutExpired
	case <-time.After(20 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, pcap.NextErrorTimeoutExpired
	}
}

func (f *fakeHandle) SetFilter(expr string) error {
	f.filters = append(f.filters, expr)
	return nil
}

func (f *fakeHandle) Stats() (uint64, uint64, error) { return 0, 0, nil }

func (f *fakeHandle) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

// newTestSocket builds a Socket already "bound" to a single fake adapter,
// bypassing Bind (which requires real pcap devices) so the multiplexed
// receive path can be exercised directly.
func newTestSocket(t *testing.T, h *fakeHandle) (*Socket, *adapterEntry) {
	t.Helper()
	entry := &adapterEntry{
		handle:      h,
		deviceName:  "fake0",
		linkType:    layers.LinkTypeEthernet,
		reassembler: newReassembler(),
		stats:       newAdapterStats(),
		packets:     make(chan capturedFrame, 16),
		stopReader:  make(chan struct{}),
		readerDone:  make(chan struct{}),
	}

	id, _ := uuid.NewV4()
	s := &Socket{
		id:        id,
		valid:     abool.NewBool(true),
		bound:     abool.NewBool(true),
		closed:    abool.New(),
		groups:    make(map[hostaddr.Address]struct{}),
		adapters:  []*adapterEntry{entry},
		done:      make(chan struct{}),
		log:       logrus.WithField("socket", "test"),
		boundPort: 9000,
	}
	s.startReaders(s.adapters)
	t.Cleanup(func() { s.Close() })
	return s, entry
}

func TestReceiveDatagramDeliversQueuedFrame(t *testing.T) {
	h := newFakeHandle()
	s, _ := newTestSocket(t, h)

	frame := buildEthernetUDPFrame(t, net.IPv4(192, 168, 1, 50), net.IPv4(192, 168, 1, 100), 5060, 9000, []byte("payload"))
	h.frames <- frame

	buf := make([]byte, 1500)
	n, addr, port, err := s.ReceiveDatagram(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
	assert.Equal(t, uint16(5060), port)
	assert.Equal(t, "192.168.1.50", addr.String())
}

func TestReceiveDatagramTimesOut(t *testing.T) {
	h := newFakeHandle()
	s, _ := newTestSocket(t, h)

	buf := make([]byte, 1500)
	_, _, _, err := s.ReceiveDatagram(buf, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReceiveDatagramPollOnceReturnsImmediately(t *testing.T) {
	h := newFakeHandle()
	s, _ := newTestSocket(t, h)

	buf := make([]byte, 1500)
	start := time.Now()
	_, _, _, err := s.ReceiveDatagram(buf, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestReceiveDatagramWokenByClose(t *testing.T) {
	h := newFakeHandle()
	s, _ := newTestSocket(t, h)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1500)
		_, _, _, err := s.ReceiveDatagram(buf, -1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSocketClosed)
	case <-time.After(time.Second):
		t.Fatal("ReceiveDatagram did not wake up after Close")
	}
}

func TestReceiveDatagramSkipsIrrelevantFrameAndWaitsForNext(t *testing.T) {
	h := newFakeHandle()
	s, _ := newTestSocket(t, h)

	wrongPort := buildEthernetUDPFrame(t, net.IPv4(192, 168, 1, 50), net.IPv4(192, 168, 1, 100), 5060, 1234, []byte("wrong"))
	right := buildEthernetUDPFrame(t, net.IPv4(192, 168, 1, 51), net.IPv4(192, 168, 1, 100), 5061, 9000, []byte("right"))
	h.frames <- wrongPort
	h.frames <- right

	buf := make([]byte, 1500)
	n, _, port, err := s.ReceiveDatagram(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "right", string(buf[:n]))
	assert.Equal(t, uint16(5061), port)
}
