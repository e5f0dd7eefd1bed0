// Command client runs the counterparty side of a swap against a maker.
//
// Usage:
//
//	client swap --maker http://localhost:8080 --sell ETH:1000000 --buy DAI:50000000
//
// Settings can also be given as CLIENT_* environment variables or in .env.
package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.OutOrStderr(), err)
		os.Exit(1)
	}
}
