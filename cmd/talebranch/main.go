// Command talebranch drives the narrative engine against a local SQLite
// database. Configuration comes from TALEBRANCH_* environment variables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp(os.Stdout, nil).rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
