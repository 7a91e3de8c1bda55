// Command taskkernel is the entry point for the task queue, scheduler, and
// parallel executor kernel.
package main

import (
	"fmt"
	"os"

	"github.com/chuliyu/taskkernel/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
