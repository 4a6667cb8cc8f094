package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/relay/loadtest/client"
	"github.com/whisper/relay/loadtest/stats"
)

// runFanout connects every user, then has each one send -messages distinct
// chat messages spaced by -interval. Every client measures the latency of
// each broadcast it receives from the server timestamp, and the report
// compares observed deliveries with the expected users x messages x users.
func runFanout(args []string) {
	fs := flag.NewFlagSet("fanout", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "relay base URL")
	users := fs.String("users", "", "comma separated user ids")
	usersFile := fs.String("users-file", "", "file with one user id per line")
	messages := fs.Int("messages", 10, "messages sent by each user")
	interval := fs.Duration("interval", 500*time.Millisecond, "pause between one user's messages")
	drain := fs.Duration("drain", 5*time.Second, "time to wait for deliveries after the last send")
	fs.Parse(args)

	ids, err := loadUsers(*users, *usersFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("Fanout test: %d users x %d messages to %s (interval=%s)\n",
		len(ids), *messages, *url, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// --- Connect ---
	clients := make([]*client.Client, 0, len(ids))
	for _, id := range ids {
		c := dial(ctx, *url, id, collector, func(c *client.Client) {
			c.On(client.TypeChat, func(raw json.RawMessage) {
				var msg client.ChatMessage
				if err := json.Unmarshal(raw, &msg); err != nil || msg.Timestamp == 0 {
					return
				}
				collector.AddMsgLatency(time.Since(time.UnixMilli(msg.Timestamp)))
			})
			c.On(client.TypeChatBanned, func(json.RawMessage) {
				collector.AddError()
			})
		})
		if c != nil {
			clients = append(clients, c)
		}
	}
	fmt.Printf("Connected %d/%d users\n", len(clients), len(ids))

	// --- Send ---
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for i := 0; i < *messages; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				// Distinct texts keep the spam guard out of the measurement.
				if err := c.SendChat(fmt.Sprintf("loadtest %s #%d", c.UserID, i)); err != nil {
					collector.AddError()
					return
				}
				collector.AddExpected(len(clients))
				time.Sleep(*interval)
			}
		}(c)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*drain):
	}

	for _, c := range clients {
		c.Close()
	}
	collector.Report()
}
