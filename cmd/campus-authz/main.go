package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/platinummonkey/campus/pkg/cli"
)

func main() {
	rootCmd := cli.NewRootCommand(cli.DefaultEnv())

	if err := rootCmd.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
