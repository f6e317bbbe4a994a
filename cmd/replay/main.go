// Command replay keeps an instant-replay buffer of live H.264 streams and
// writes the last few seconds to MP4 on request.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
