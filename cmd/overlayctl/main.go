// Command overlayctl is the CLI client for the overlay transport daemon.
// It communicates with overlayd over ConnectRPC.
package main

import "github.com/overlaynet/overlay-core/cmd/overlayctl/commands"

func main() {
	commands.Execute()
}
