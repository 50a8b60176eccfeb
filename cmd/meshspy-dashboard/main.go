package main

import (
	"fmt"
	"os"
)

// module defs - set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
