package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/mesh-it/internal/capability"
	"github.com/rudransh-shrivastava/mesh-it/internal/filetransfer"
	"github.com/rudransh-shrivastava/mesh-it/internal/peer"
)

// runSession drives the interactive prompt: slash commands go to the peer,
// peer events print as they arrive.
func runSession(ctx context.Context, p *peer.Peer, log *logrus.Logger) {
	go printEvents(ctx, p)

	fmt.Println("commands: /peers /send <peer> <text> /sendfile <peer> <path> /accept <id> /reject <id> /cancel <id> /providers <service> /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		handleCommand(p, log, line)
	}
}

func handleCommand(p *peer.Peer, log *logrus.Logger, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/peers":
		for _, peerID := range p.ConnectedPeers() {
			fmt.Println(peerID)
		}
	case "/send":
		if len(fields) < 3 {
			fmt.Println("usage: /send <peer> <text>")
			return
		}
		text := strings.Join(fields[2:], " ")
		if _, err := p.SendMessage(fields[1], []byte(text)); err != nil {
			log.Warnf("Send failed: %v", err)
		}
	case "/sendfile":
		if len(fields) != 3 {
			fmt.Println("usage: /sendfile <peer> <path>")
			return
		}
		transferID, err := p.SendFile(fields[1], fields[2])
		if err != nil {
			log.Warnf("Transfer failed: %v", err)
			return
		}
		fmt.Printf("offered transfer %s\n", transferID)
	case "/accept":
		if len(fields) != 2 {
			fmt.Println("usage: /accept <id>")
			return
		}
		if err := p.AcceptFile(fields[1]); err != nil {
			log.Warnf("Accept failed: %v", err)
		}
	case "/reject":
		if len(fields) != 2 {
			fmt.Println("usage: /reject <id>")
			return
		}
		if err := p.RejectFile(fields[1]); err != nil {
			log.Warnf("Reject failed: %v", err)
		}
	case "/cancel":
		if len(fields) != 2 {
			fmt.Println("usage: /cancel <id>")
			return
		}
		if err := p.CancelFile(fields[1], "cancelled from cli"); err != nil {
			log.Warnf("Cancel failed: %v", err)
		}
	case "/providers":
		if len(fields) != 2 {
			fmt.Println("usage: /providers <service>")
			return
		}
		providers := p.FindServiceProviders(fields[1], capability.FindOptions{})
		for _, provider := range providers {
			fmt.Printf("%s role=%s score=%.2f\n", provider.PeerID, provider.Role, provider.Score)
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
}

func printEvents(ctx context.Context, p *peer.Peer) {
	bars := make(map[string]*progressbar.ProgressBar)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-p.Events():
			if !open {
				return
			}
			switch ev.Kind {
			case peer.EventPeerConnected:
				fmt.Printf("\n[+] %s connected\n", ev.PeerID)
			case peer.EventPeerDisconnected:
				fmt.Printf("\n[-] %s disconnected\n", ev.PeerID)
			case peer.EventPeerUnreachable:
				fmt.Printf("\n[x] %s unreachable\n", ev.PeerID)
			case peer.EventMessageReceived:
				fmt.Printf("\n%s: %s\n", ev.PeerID, ev.Data)
			case peer.EventFile:
				printFileEvent(bars, ev.File)
			case peer.EventRendezvousLost:
				fmt.Println("\nrendezvous connection lost")
				return
			}
		}
	}
}

func printFileEvent(bars map[string]*progressbar.ProgressBar, ev *filetransfer.Event) {
	switch ev.Kind {
	case filetransfer.EventRequested:
		fmt.Printf("\n%s offers %s (transfer %s), /accept or /reject\n", ev.PeerID, ev.FileName, ev.TransferID)
	case filetransfer.EventProgress:
		bar, exists := bars[ev.TransferID]
		if !exists {
			bar = progressbar.NewOptions(100,
				progressbar.OptionSetDescription(ev.FileName),
				progressbar.OptionShowCount(),
			)
			bars[ev.TransferID] = bar
		}
		_ = bar.Set(ev.Progress)
	case filetransfer.EventCompleted:
		delete(bars, ev.TransferID)
		if ev.Path != "" {
			fmt.Printf("\nreceived %s -> %s\n", ev.FileName, ev.Path)
		} else {
			fmt.Printf("\nsent %s\n", ev.FileName)
		}
	case filetransfer.EventRejected:
		fmt.Printf("\ntransfer %s rejected\n", ev.TransferID)
	case filetransfer.EventCancelled:
		delete(bars, ev.TransferID)
		fmt.Printf("\ntransfer %s cancelled\n", ev.TransferID)
	case filetransfer.EventFailed:
		delete(bars, ev.TransferID)
		fmt.Printf("\ntransfer %s failed: %v\n", ev.TransferID, ev.Err)
	}
}
