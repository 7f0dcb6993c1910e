package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "start a new connection",
	Long:  `start a new connection: prints an offer token to share out of band, then waits for the remote answer token on stdin`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer a.coord.Close()

		var connID, offer string
		if flagSecret != "" {
			connID, offer, err = a.coord.StartSecureConnection([]byte(flagSecret))
		} else {
			connID, offer, err = a.coord.StartConnection()
		}
		if err != nil {
			a.log.Fatalf("failed to start connection: %v", err)
		}

		fmt.Println("share this offer token with the remote peer:")
		fmt.Println()
		fmt.Println(offer)
		fmt.Println()
		fmt.Println("paste the answer token:")

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		if !scanner.Scan() {
			a.log.Fatal("no answer token received")
		}
		answer := strings.TrimSpace(scanner.Text())

		if err := a.coord.CompleteConnection(connID, answer); err != nil {
			a.log.Fatalf("invalid answer token: %v", err)
		}
		if err := a.waitOpen(connID); err != nil {
			a.log.Fatalf("%v", err)
		}
		a.chat(connID)
	},
}
