// Command agentctl drives a running agent through its control API.
//
// Usage:
//
//	agentctl [--addr http://localhost:8090] <command>
//
// Commands:
//
//	start   - Reset state and start a call
//	end     - End the call and request the post-call evaluation
//	new     - Discard the finished call
//	reset   - Clear the session state
//	toggle  - Mute or unmute recognition
//	state   - Print the current session state
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
