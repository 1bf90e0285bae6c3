package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatclient "github.com/rtforum/chatclient"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open a live conversation with a user",
	Long:  "Connect to the chat server and hold a live conversation.\nType a line to send it; Ctrl-D or Ctrl-C ends the session.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		client, cfg := getClient()
		if cfg.Auth.UserID == 0 {
			return fmt.Errorf("auth.user_id is not set; run 'rtfchat config set auth.user_id <id>'")
		}

		sock := chatclient.NewChatSocket(client.WSUrl(), &chatclient.SocketOptions{
			Dial: chatclient.DialWebSocketAuth(cfg.Auth.Token),
		})

		sess := chatclient.NewSession(cfg.Auth.UserID, client, sock, &chatclient.SessionOptions{
			OnRemoteTyping: func(userID int64, typing bool) {
				if userID != peerID {
					return
				}
				if typing {
					fmt.Println("... peer is typing")
				}
			},
		})
		defer sess.Close()

		printed := 0
		unsubStore := sess.Store().OnChange(func() {
			msgs := sess.Store().Messages()
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				who := "them"
				if m.FromUserID == cfg.Auth.UserID {
					who = "you "
				}
				fmt.Printf("%s  %s: %s\n", m.SentAt.Local().Format("15:04"), who, m.Content)
			}
		})
		defer unsubStore()

		unsubStatus := sock.OnStatus(func(st chatclient.Status) {
			switch st.State {
			case chatclient.StateOpen:
				fmt.Println("-- connected")
			case chatclient.StateRetryWait:
				fmt.Printf("-- connection lost, retrying (attempt %d)\n", st.Attempt)
			case chatclient.StateDisabled:
				fmt.Println("-- server refused the connection; live chat disabled")
			}
			if st.DroppedFrame {
				fmt.Println("-- outbox full, oldest queued message dropped")
			}
		})
		defer unsubStatus()

		unsubPresence := sess.Presence().Subscribe(peerID, func(p chatclient.Presence) {
			if p.Online {
				fmt.Println("-- peer is online")
			} else if !p.LastSeenAt.IsZero() {
				fmt.Printf("-- peer last seen %s\n", p.LastSeenAt.Local().Format("15:04"))
			}
		})
		defer unsubPresence()

		sess.Start()
		sock.Enable()
		defer sock.Disable()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = sess.OpenConversation(ctx, peerID)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sigCh:
				fmt.Println()
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if line == "" {
					continue
				}
				if !sess.SendText(line) {
					fmt.Println("-- could not send")
				}
			}
		}
	},
}
