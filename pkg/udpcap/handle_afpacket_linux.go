//go:build linux

package udpcap

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

// afpacketHandle is an alternate captureHandle backend using a raw
// AF_PACKET socket instead of libpcap, for platforms/deployments that
// want zero-copy capture without a libpcap dependency at runtime. No
// fanout group concept exists here, since this is always a
// single-consumer socket.
type afpacketHandle struct {
	ifaceName string
	tpacket   *afpacket.TPacket
}

// openAFPacketHandle opens an AF_PACKET TPacket socket on ifaceName,
// with frame/block sizing derived from a fixed 1 MiB buffer. The socket's
// receive-buffer-size hint is not applied to AF_PACKET handles.
func openAFPacketHandle(ifaceName string) (*afpacketHandle, error) {
	frameSize, blockSize, numBlocks, err := afpacketFrameSizing(maxPacketSize, 1024*1024)
	if err != nil {
		return nil, err
	}

	tpacket, err := afpacket.NewTPacket(
		afpacket.OptInterface(ifaceName),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(pcap.BlockForever),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket.NewTPacket(%s): %w", ifaceName, err)
	}

	return &afpacketHandle{ifaceName: ifaceName, tpacket: tpacket}, nil
}

func afpacketFrameSizing(snapLen, bufferSize int) (frameSize, blockSize, numBlocks int, err error) {
	pageSize := os.Getpagesize()
	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = (snapLen/pageSize + 1) * pageSize
	}
	blockSize = frameSize * 128
	numBlocks = bufferSize / blockSize
	if numBlocks < 1 {
		return 0, 0, 0, fmt.Errorf("buffer size too small for frame size %d", frameSize)
	}
	return frameSize, blockSize, numBlocks, nil
}

// ReadPacketData copies the frame out of the TPacket ring before
// returning it. ZeroCopyReadPacketData's slice aliases a ring buffer
// slot that the next read call can overwrite, and the caller here
// queues the frame for later consumption on a channel rather than
// processing it immediately.
func (h *afpacketHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.tpacket.ZeroCopyReadPacketData()
	if err != nil {
		return nil, ci, err
	}
	return append([]byte(nil), data...), ci, nil
}

func (h *afpacketHandle) SetFilter(expr string) error {
	raw, err := compileFilter(expr, maxPacketSize, layers.LinkTypeEthernet)
	if err != nil {
		return err
	}
	if err := h.tpacket.SetBPF(raw); err != nil {
		return fmt.Errorf("set filter on %s: %w", h.ifaceName, err)
	}
	return nil
}

func (h *afpacketHandle) Stats() (uint64, uint64, error) {
	_, statsV3, err := h.tpacket.SocketStats()
	if err != nil {
		return 0, 0, err
	}
	return uint64(statsV3.Packets()), uint64(statsV3.Drops()), nil
}

func (h *afpacketHandle) Close() {
	h.tpacket.Close()
	logrus.WithField("interface", h.ifaceName).Debug("udpcap: afpacket handle closed")
}
