package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/peerlink-chat/peerlink/internal/store"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "list stored conversations",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := store.Open(flagDBPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cs, err := store.NewConversationStore(store.Options{
			DB:          db,
			LocalPeerID: localPeerID(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		conversations, err := cs.GetConversations()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if len(conversations) == 0 {
			fmt.Println("no conversations")
			return
		}
		for _, conv := range conversations {
			updated := time.Unix(conv.UpdatedAt, 0).Format(time.DateTime)
			fmt.Printf("%s  participants=%s  unread=%d  updated=%s\n",
				conv.ID[:12], strings.Join(conv.Participants(), ","), conv.UnreadCount, updated)
		}
	},
}
