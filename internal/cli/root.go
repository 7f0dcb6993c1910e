// Package cli is the cobra command surface over the session coordinator.
package cli

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagDBPath    string
	flagPeerID    string
	flagUserName  string
	flagSecret    string
	flagChunkSize int
)

var rootCmd = &cobra.Command{
	Use:  `peerlink`,
	Long: `peerlink is a serverless peer to peer encrypted chat`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "peerlink.db", "path to the conversation database")
	rootCmd.PersistentFlags().StringVar(&flagPeerID, "peer-id", "", "stable peer id (generated when empty)")
	rootCmd.PersistentFlags().StringVar(&flagUserName, "name", "", "display name shown to the remote peer")
	rootCmd.PersistentFlags().StringVar(&flagSecret, "secret", "", "shared secret for encrypted signaling tokens")
	rootCmd.PersistentFlags().IntVar(&flagChunkSize, "chunk-size", 0, "file transfer chunk size in bytes")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(conversationsCmd)
}

func localPeerID() string {
	if flagPeerID != "" {
		return flagPeerID
	}
	return uuid.NewString()
}
