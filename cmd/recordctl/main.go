// Command recordctl controls a running speaker transcript service.
//
// Usage:
//
//	recordctl [--addr host:port] <command>
//
// Commands:
//
//	start          - start a recording session
//	stop           - stop the session and persist its transcript
//	transcript     - print the current transcript
//	retry-persist  - persist a stopped session again
//	watch          - follow entries as they are appended
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
