package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	wanas "github.com/A7medabdelaty/Wanas-Web-sub000"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchAutoRead    bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchAutoRead, "auto-read", true, "Mark the chat read on open and as messages arrive")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Open a chat and follow it live",
	Long: "Open a chat, print its history and follow new messages, typing and connection state.\n" +
		"Each line typed on stdin is sent as a message. Type /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := wanas.ID(args[0])

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *wanas.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = wanas.NewMetrics(reg)
			srv := serveMetrics(watchMetricsAddr, reg)
			defer srv.Close()
		}

		s := newSession(metrics, watchAutoRead)
		repo := s.repo

		s.conn.OnStateChange(printState)
		s.conn.OnRetry(func(ev wanas.RetryEvent) {
			fmt.Println(color.HiBlackString("-- retrying in %s (attempt %d)", ev.Delay, ev.Attempt))
		})
		repo.Typing().OnUpdate(func(u wanas.TypingUpdate) {
			if u.Text != "" {
				fmt.Println(color.YellowString("   %s", u.Text))
			}
		})
		repo.Synchronizer().OnAppended(func(m wanas.Message) {
			if m.Pending() {
				return
			}
			chat, _ := repo.Synchronizer().Chat(m.ChatID)
			printMessage(&chat, m)
		})
		repo.Unread().OnChange(func(n int) {
			if n > 0 {
				fmt.Println(color.New(color.FgRed).Sprintf("-- %d unread", n))
			}
		})

		if err := repo.Start(ctx); err != nil {
			// The push channel keeps retrying; REST may recover too.
			s.log.Warn("initial load failed", "err", err)
		}
		defer repo.Stop()

		if err := repo.OpenChat(ctx, chatID); err != nil {
			return fmt.Errorf("failed to open chat %s: %w", chatID, err)
		}
		chat, ok := repo.Synchronizer().Chat(chatID)
		if ok {
			fmt.Println(color.New(color.Bold).Sprintf("== %s", chatTitle(chat, s.self)))
		}
		for _, m := range repo.Messages() {
			printMessage(&chat, m)
		}

		lines := make(chan string)
		go readLines(lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if done := handleInput(ctx, repo, line); done {
					return nil
				}
			}
		}
	},
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// handleInput sends line to the active chat. It reports true when the user
// asked to quit.
func handleInput(ctx context.Context, repo *wanas.ChatRepository, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case "/quit":
		return true
	case "/read":
		if err := repo.MarkRead(ctx, repo.ActiveChat()); err != nil {
			fmt.Fprintln(os.Stderr, color.RedString("mark read failed: %v", err))
		}
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	m, err := repo.Send(sendCtx, line)
	if err != nil {
		var sendErr *wanas.SendError
		if errors.As(err, &sendErr) {
			fmt.Fprintln(os.Stderr, color.RedString("not sent: %q (%v)", sendErr.Content, sendErr.Err))
			return false
		}
		fmt.Fprintln(os.Stderr, color.RedString("send failed: %v", err))
		return false
	}
	chat, _ := repo.Synchronizer().Chat(m.ChatID)
	printMessage(&chat, *m)
	return false
}

func printState(st wanas.ConnectionState) {
	c := color.New(color.FgYellow)
	switch st {
	case wanas.StateConnected:
		c = color.New(color.FgGreen)
	case wanas.StateDisconnected:
		c = color.New(color.FgRed)
	}
	fmt.Println(c.Sprintf("-- %s", st))
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, color.RedString("metrics server: %v", err))
		}
	}()
	return srv
}
