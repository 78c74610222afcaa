// Command udpcap is the sample CLI for the udpcap library: list capture
// devices, or bind and print received datagrams.
package main

import (
	"fmt"
	"os"

	"github.com/kestrelnet/udpcap/cmd/udpcap/command"
)

func main() {
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
