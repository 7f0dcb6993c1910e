package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var acceptCmd = &cobra.Command{
	Use:   "accept offer-token",
	Short: "accept a connection",
	Long:  `accept a connection from a received offer token and print the answer token for the initiator`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer a.coord.Close()

		var connID, answer string
		if flagSecret != "" {
			connID, answer, err = a.coord.AcceptSecureConnection(args[0], []byte(flagSecret))
		} else {
			connID, answer, err = a.coord.AcceptConnection(args[0])
		}
		if err != nil {
			a.log.Fatalf("failed to accept connection: %v", err)
		}

		fmt.Println("share this answer token with the initiator:")
		fmt.Println()
		fmt.Println(answer)
		fmt.Println()

		if err := a.waitOpen(connID); err != nil {
			a.log.Fatalf("%v", err)
		}
		a.chat(connID)
	},
}
