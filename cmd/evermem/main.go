// Command evermem runs the EverMemOS memory service and offers one-shot
// access to its operations from the shell.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
