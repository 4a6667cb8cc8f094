// Package main is the entry point for the relay load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - fanout:   Broadcast fan-out test
//
// The relay only admits known users, so every scenario takes its user IDs
// from -users (comma separated) or -users-file (one per line).
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/whisper/relay/loadtest/client"
	"github.com/whisper/relay/loadtest/stats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "fanout":
		runFanout(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens one idle connection per user")
	fmt.Println("  fanout      Broadcast test: every user sends messages and measures delivery to all others")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// loadUsers merges the comma separated list and the file contents, skipping
// blank lines and duplicates.
func loadUsers(list, file string) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, id := range strings.Split(list, ",") {
		add(id)
	}
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			add(sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no user ids: set -users or -users-file")
	}
	return ids, nil
}

// dial connects userID, lets setup register handlers before the read loop
// starts, and waits for the first user_count. Failures are counted in
// collector and return nil.
func dial(ctx context.Context, baseURL, userID string, collector *stats.Collector, setup func(*client.Client)) *client.Client {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(ctx, baseURL, userID)
	if err != nil {
		collector.AddError()
		fmt.Printf("  connect %s: %v\n", userID, err)
		return nil
	}
	if setup != nil {
		setup(c)
	}
	c.Start()
	if err := c.WaitReady(ctx); err != nil {
		collector.AddError()
		c.Close()
		return nil
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c
}
