// Command medgraph runs the multi-agent diagnostic service.
//
// Usage:
//
//	medgraph serve --config medgraph.yaml
//	medgraph diagnose --symptom fever --symptom chills
//	medgraph sessions list
//	medgraph validate-config
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
