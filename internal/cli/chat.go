package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/peerlink-chat/peerlink/internal/coordinator"
	"github.com/peerlink-chat/peerlink/internal/crypto"
	"github.com/peerlink-chat/peerlink/internal/logger"
	"github.com/peerlink-chat/peerlink/internal/session"
	"github.com/peerlink-chat/peerlink/internal/store"
	"github.com/peerlink-chat/peerlink/internal/transport/webrtc"
)

type app struct {
	coord *coordinator.Coordinator
	store *store.ConversationStore
	log   *logrus.Logger
}

func newApp() (*app, error) {
	log := logger.NewLogger()

	db, err := store.Open(flagDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The pairing secret doubles as the at-rest master key.
	var masterKey *crypto.Key
	if flagSecret != "" {
		key := crypto.DeriveKey([]byte(flagSecret))
		masterKey = &key
	}

	cs, err := store.NewConversationStore(store.Options{
		DB:          db,
		LocalPeerID: localPeerID(),
		Logger:      log,
		MasterKey:   masterKey,
	})
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Options{
		LocalPeerID: cs.LocalPeerID(),
		UserName:    flagUserName,
		Dialer:      webrtc.NewDialer(webrtc.DefaultConfig()),
		Store:       cs,
		Logger:      log,
		ChunkSize:   flagChunkSize,
	})
	if err != nil {
		return nil, err
	}

	return &app{coord: coord, store: cs, log: log}, nil
}

// chat runs the interactive loop over one open connection until the
// session ends or the user quits.
func (a *app) chat(connectionID string) {
	done := make(chan struct{})
	go a.printEvents(connectionID, done)

	fmt.Println("connected. type a message, /file <path> to send a file, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit":
			_ = a.coord.CloseSession(connectionID)
			<-done
			return

		case strings.HasPrefix(line, "/file "):
			a.sendFile(connectionID, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))

		default:
			if _, err := a.coord.Send(connectionID, line); err != nil {
				a.log.Warnf("send failed, message saved for retry: %v", err)
			}
		}

		select {
		case <-done:
			return
		default:
		}
	}
	<-done
}

func (a *app) sendFile(connectionID, path string) {
	f, err := os.Open(path)
	if err != nil {
		a.log.Warnf("cannot open %s: %v", path, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.log.Warnf("cannot stat %s: %v", path, err)
		return
	}

	name := filepath.Base(path)
	bar := progressbar.DefaultBytes(info.Size(), "reading "+name)
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		a.log.Warnf("cannot read %s: %v", path, err)
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, chunks, err := a.coord.SendFile(connectionID, buf.Bytes(), name, mimeType)
	if err != nil {
		a.log.Warnf("file send failed: %v", err)
		return
	}
	fmt.Printf("sending %s in %d chunks\n", name, chunks)
}

func (a *app) printEvents(connectionID string, done chan struct{}) {
	defer close(done)

	for ev := range a.coord.Events() {
		if ev.ConnectionID != connectionID {
			continue
		}
		switch ev.Kind {
		case session.EventMessage:
			fmt.Printf("[%s] %s\n", ev.SenderID, ev.Text)

		case session.EventTyping:
			if ev.IsTyping {
				fmt.Printf("[%s is typing...]\n", ev.SenderID)
			}

		case session.EventFileReceived:
			a.saveFile(ev)

		case session.EventError:
			a.log.Warnf("session error: %s", ev.Reason)

		case session.EventStateChanged:
			if ev.State == session.StateClosed || ev.State == session.StateFailed {
				fmt.Printf("session ended (%s)\n", ev.State)
				return
			}
		}
	}
}

func (a *app) saveFile(ev coordinator.Event) {
	name := filepath.Base(ev.FileName)
	if name == "" || name == "." {
		name = fmt.Sprintf("received-%d", time.Now().Unix())
	}
	if err := os.WriteFile(name, ev.FileData, 0o644); err != nil {
		a.log.Warnf("failed to save %s: %v", name, err)
		return
	}
	fmt.Printf("[%s] sent file %s (%d bytes), saved\n", ev.SenderID, name, len(ev.FileData))
}

// waitOpen blocks until the connection opens or fails.
func (a *app) waitOpen(connectionID string) error {
	for ev := range a.coord.Events() {
		if ev.ConnectionID != connectionID {
			continue
		}
		switch ev.Kind {
		case session.EventOpen:
			return nil
		case session.EventStateChanged:
			if ev.State == session.StateFailed || ev.State == session.StateClosed {
				return fmt.Errorf("connection did not open: %s", ev.State)
			}
		case session.EventError:
			a.log.Warnf("connection error: %s", ev.Reason)
		}
	}
	return fmt.Errorf("coordinator closed")
}
