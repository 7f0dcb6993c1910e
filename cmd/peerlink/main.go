package main

import "github.com/peerlink-chat/peerlink/internal/cli"

func main() {
	cli.Execute()
}
