package command

import (
	"fmt"

	"github.com/google/gopacket/pcap"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture-capable network devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := pcap.FindAllDevs()
		if err != nil {
			return fmt.Errorf("enumerate devices: %w", err)
		}
		for _, dev := range devices {
			fmt.Printf("%s", dev.Name)
			if dev.Description != "" {
				fmt.Printf("  (%s)", dev.Description)
			}
			fmt.Println()
			for _, addr := range dev.Addresses {
				fmt.Printf("  %s\n", addr.IP)
			}
		}
		return nil
	},
}
