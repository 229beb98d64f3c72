package main

import (
	"fmt"
	"os"

	"erpid.org/cmd/erpidctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "erpidctl: %v\n", err)
		os.Exit(1)
	}
}
