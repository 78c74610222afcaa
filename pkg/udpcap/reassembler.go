package udpcap

import (
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
)

// fragmentExpiry is how long an incomplete fragment chain is kept before
// being discarded. Fixed, not configurable, matching the original's
// hardcoded reassembly timeout.
const fragmentExpiry = 5 * time.Second

// fragmentKey identifies an IPv4 fragment chain. Two fragments reassemble
// together only if all four fields match.
type fragmentKey struct {
	src   [4]byte
	dst   [4]byte
	id    uint16
	proto layers.IPProtocol
}

type fragmentPiece struct {
	offset int
	data   []byte
}

type fragmentChain struct {
	pieces     []fragmentPiece
	totalLen   int // -1 until the last fragment (MF=0) has been seen
	firstSeen  time.Time
	lastTTL    uint8
	srcIP      [4]byte
	dstIP      [4]byte
	identField uint16
	proto      layers.IPProtocol
}

// reassembler tracks in-flight IPv4 fragment chains keyed by
// (src, dst, identification, protocol) and reassembles a chain as soon as
// it has contiguous byte coverage from offset 0 through the fragment
// carrying MoreFragments=0. Grounded on the fragment-handling half of
// udpcap_socket_private.cpp's PacketHandlerRawPtr, which performs the
// equivalent accounting over a std::map keyed the same way.
type reassembler struct {
	mu     sync.Mutex
	chains map[fragmentKey]*fragmentChain
}

func newReassembler() *reassembler {
	return &reassembler{chains: make(map[fragmentKey]*fragmentChain)}
}

// ipv4Key builds the chain key for a parsed IPv4 header.
func ipv4Key(ip *layers.IPv4) fragmentKey {
	var k fragmentKey
	copy(k.src[:], ip.SrcIP.To4())
	copy(k.dst[:], ip.DstIP.To4())
	k.id = ip.Id
	k.proto = ip.Protocol
	return k
}

// isFragment reports whether ip is part of a fragmented datagram, i.e. it
// either carries a nonzero fragment offset or has MoreFragments set.
func isFragment(ip *layers.IPv4) bool {
	return ip.FragOffset != 0 || ip.Flags&layers.IPv4MoreFragments != 0
}

// insert feeds one fragment into its chain and returns the reassembled
// IPv4 payload once the chain has complete, contiguous coverage. It
// returns (nil, false) while more fragments are still needed.
func (r *reassembler) insert(ip *layers.IPv4) ([]byte, bool) {
	key := ipv4Key(ip)
	offset := int(ip.FragOffset) * 8

	r.mu.Lock()
	defer r.mu.Unlock()

	chain, ok := r.chains[key]
	if !ok {
		chain = &fragmentChain{totalLen: -1, firstSeen: time.Now()}
		copy(chain.srcIP[:], ip.SrcIP.To4())
		copy(chain.dstIP[:], ip.DstIP.To4())
		chain.identField = ip.Id
		chain.proto = ip.Protocol
		r.chains[key] = chain
	}
	chain.lastTTL = ip.TTL

	piece := fragmentPiece{offset: offset, data: append([]byte(nil), ip.Payload...)}
	chain.pieces = append(chain.pieces, piece)

	if ip.Flags&layers.IPv4MoreFragments == 0 {
		chain.totalLen = offset + len(ip.Payload)
	}

	payload, complete := reassembleChain(chain)
	if complete {
		delete(r.chains, key)
	}
	return payload, complete
}

// reassembleChain checks a chain for gap-free coverage from 0 to
// totalLen and, if complete, concatenates the pieces in offset order.
func reassembleChain(chain *fragmentChain) ([]byte, bool) {
	if chain.totalLen < 0 {
		return nil, false
	}

	sorted := append([]fragmentPiece(nil), chain.pieces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	covered := 0
	out := make([]byte, 0, chain.totalLen)
	for _, p := range sorted {
		if p.offset > covered {
			return nil, false // gap
		}
		end := p.offset + len(p.data)
		if end <= covered {
			continue // fully overlapped by prior piece, duplicate fragment
		}
		out = append(out, p.data[covered-p.offset:]...)
		covered = end
	}
	if covered != chain.totalLen {
		return nil, false
	}
	return out, true
}

// sweep discards fragment chains that have been incomplete for longer
// than fragmentExpiry. Called on every frame handled, not from a
// background ticker; see handleFrame.
func (r *reassembler) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, chain := range r.chains {
		if now.Sub(chain.firstSeen) > fragmentExpiry {
			delete(r.chains, key)
			dropped++
		}
	}
	return dropped
}
