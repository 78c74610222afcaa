// Package command implements the udpcap CLI's cobra commands.
package command

import (
	"github.com/spf13/cobra"

	"github.com/kestrelnet/udpcap/internal/config"
	"github.com/kestrelnet/udpcap/internal/log"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "udpcap",
	Short: "Receive-only UDP capture socket sample CLI",
	Long: `udpcap binds a receive-only UDP socket built on raw packet capture
instead of the host kernel's datagram socket, so it can share ports and
survive load the ordinary socket API drops under.`,
	PersistentPreRunE: loadConfig,
}

var cfg *config.Config

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg = loaded
	log.Init(&cfg.Log)
	return nil
}

// Execute runs the CLI. Called once from main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(receiveCmd)
}
