package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	wanas "github.com/A7medabdelaty/Wanas-Web-sub000"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSON    bool
	chatsUnread  bool
	messagesJSON bool
	sendJSON     bool
)

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Print raw JSON")
	chatsCmd.Flags().BoolVar(&chatsUnread, "unread", false, "Only chats with unread messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Print raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print raw JSON")

	rootCmd.AddCommand(chatsCmd, messagesCmd, unreadCmd, readCmd, sendCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.ListChats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatsUnread {
			filtered := chats[:0]
			for _, c := range chats {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			chats = filtered
		}

		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}

		self := wanas.ID(cfg.Auth.UserID)
		for _, c := range chats {
			badge := ""
			if c.UnreadCount > 0 {
				badge = " " + color.New(color.FgRed, color.Bold).Sprintf("(%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s: %s%s\n", color.CyanString(c.ID.String()), chatTitle(c, self), badge)
			if m := c.LastMessage; m != nil {
				fmt.Printf("      %s %s: %s\n",
					color.HiBlackString(m.SentAt.Local().Format("Jan 2 15:04")), wanas.SenderName(&c, *m), m.Content)
			}
		}
		return nil
	},
}

// chatTitle is the chat name or, for unnamed chats, the other participants.
func chatTitle(c wanas.Chat, self wanas.ID) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, p := range c.Participants {
		if strings.EqualFold(strings.TrimSpace(p.UserID.String()), strings.TrimSpace(self.String())) {
			continue
		}
		names = append(names, wanas.DisplayName(p))
	}
	if len(names) == 0 {
		return "(no participants)"
	}
	return strings.Join(names, ", ")
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Print the history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.GetMessages(ctx, wanas.ID(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(nil, m)
		}
		return nil
	},
}

// ============================================================================
// unread / read
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the total unread message count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := client.GetUnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark every message in a chat as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkChatRead(ctx, wanas.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Chat %s marked as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := wanas.ID(args[0]), args[1]
		if strings.TrimSpace(content) == "" {
			return wanas.ErrEmptyMessage
		}
		client, _, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		m, err := client.SendMessage(ctx, chatID, content)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to chat %s\n", chatID)
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Content:    %s\n", m.Content)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printMessage(chat *wanas.Chat, m wanas.Message) {
	ts := m.SentAt.Local().Format("15:04:05")
	name := m.SenderName
	if name == "" {
		name = m.SenderID.String()
	}
	if chat != nil {
		name = wanas.SenderName(chat, m)
	}
	status := ""
	switch {
	case m.Pending():
		status = color.HiBlackString(" (sending)")
	case m.IsRead:
		status = color.HiBlackString(" ✓✓")
	}
	fmt.Printf("[%s] %s: %s%s\n", color.HiBlackString(ts), color.GreenString(name), m.Content, status)
}
