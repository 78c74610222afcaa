//go:build !linux

package udpcap

import "fmt"

func openAFPacketHandle(ifaceName string) (captureHandle, error) {
	return nil, fmt.Errorf("AF_PACKET backend is only supported on Linux")
}
