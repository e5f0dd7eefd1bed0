// Command maker runs the maker side of two-party atomic swaps on the rollup.
//
// Usage:
//
//	maker serve [--config maker.yaml]
//	maker migrate
//	maker address
//	maker keygen --out maker.key
//	maker report --since 24h
//
// Every setting can also be given as a MAKER_* environment variable or in .env.
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
