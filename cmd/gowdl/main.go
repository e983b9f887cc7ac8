// gowdl runs WDL workflows on local processes, containers, Slurm or TES.
package main

import (
	"fmt"
	"os"

	"github.com/me/gowdl/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
