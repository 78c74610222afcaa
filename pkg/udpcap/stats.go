package udpcap

import "go.uber.org/atomic"

// AdapterStats holds lock-free counters for a single bound adapter.
// Socket.AdapterSnapshots reads these concurrently with the receive loop
// writing them, so they use atomic counters rather than the adapter-list
// lock.
type AdapterStats struct {
	PacketsSeen      atomic.Uint64
	PacketsDelivered atomic.Uint64
	FragmentsSeen    atomic.Uint64
	Dropped          atomic.Uint64
}

func newAdapterStats() *AdapterStats {
	return &AdapterStats{}
}

// Snapshot is a point-in-time copy of AdapterStats safe to hand to a
// caller without exposing the live atomics.
type Snapshot struct {
	PacketsSeen      uint64
	PacketsDelivered uint64
	FragmentsSeen    uint64
	Dropped          uint64
}

func (s *AdapterStats) snapshot() Snapshot {
	return Snapshot{
		PacketsSeen:      s.PacketsSeen.Load(),
		PacketsDelivered: s.PacketsDelivered.Load(),
		FragmentsSeen:    s.FragmentsSeen.Load(),
		Dropped:          s.Dropped.Load(),
	}
}
