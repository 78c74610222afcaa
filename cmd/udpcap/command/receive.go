package command

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelnet/udpcap/pkg/hostaddr"
	"github.com/kestrelnet/udpcap/pkg/udpcap"
)

var (
	bindAddr   string
	bindPort   uint16
	groupAddrs []string
	afpacket   bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Bind a capture socket and print received datagrams until interrupted",
	RunE:  runReceive,
}

func init() {
	receiveCmd.Flags().StringVar(&bindAddr, "bind", "0.0.0.0", "address to bind (0.0.0.0 for any adapter)")
	receiveCmd.Flags().Uint16Var(&bindPort, "port", 0, "UDP port to bind")
	receiveCmd.Flags().StringSliceVar(&groupAddrs, "group", nil, "multicast group to join (repeatable)")
	receiveCmd.Flags().BoolVar(&afpacket, "afpacket", false, "use the AF_PACKET backend instead of libpcap (Linux only)")
	_ = receiveCmd.MarkFlagRequired("port")
}

func runReceive(cmd *cobra.Command, args []string) error {
	addr, ok := hostaddr.Parse(bindAddr)
	if !ok {
		return fmt.Errorf("invalid --bind address %q", bindAddr)
	}

	backend := udpcap.BackendPcap
	if afpacket {
		backend = udpcap.BackendAFPacket
	}
	sock := udpcap.New(udpcap.Options{Backend: backend})
	if !sock.IsValid() {
		return errors.New("capture driver unavailable")
	}
	defer sock.Close()

	if cfg != nil && cfg.Receive.BufferSize > 0 {
		sock.SetReceiveBufferSize(cfg.Receive.BufferSize)
	}

	if !sock.Bind(addr, bindPort) {
		return fmt.Errorf("bind %s:%d failed", addr, bindPort)
	}

	for _, g := range groupAddrs {
		gAddr, ok := hostaddr.Parse(g)
		if !ok {
			return fmt.Errorf("invalid --group address %q", g)
		}
		if !sock.JoinMulticastGroup(gAddr) {
			return fmt.Errorf("join multicast group %s failed", g)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sock.Close()
	}()

	timeout := time.Second
	if cfg != nil && cfg.Receive.TimeoutMS > 0 {
		timeout = time.Duration(cfg.Receive.TimeoutMS) * time.Millisecond
	}

	buf := make([]byte, 65536)
	for {
		n, src, srcPort, err := sock.ReceiveDatagram(buf, timeout)
		if err != nil {
			if errors.Is(err, udpcap.ErrTimeout) {
				continue
			}
			if errors.Is(err, udpcap.ErrSocketClosed) {
				return nil
			}
			return err
		}
		fmt.Printf("%s:%d -> %d bytes\n", src, srcPort, n)
	}
}
