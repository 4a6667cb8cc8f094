package main

import (
	"context"
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

// runSaturate opens one idle connection per user, paced over -ramp, and
// holds them while the relay heartbeat pings them. Sessions that the server
// drops during the hold show up as the gap between opened and alive.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "relay base URL")
	users := fs.String("users", "", "comma separated user ids")
	usersFile := fs.String("users-file", "", "file with one user id per line")
	ramp := fs.Duration("ramp", 10*time.Second, "time over which connections are opened")
	hold := fs.Duration("hold", 30*time.Second, "time to keep connections open once ramped")
	parallel := fs.Int("concurrency", 50, "max dials in flight")
	fs.Parse(args)

	ids, err := loadUsers(*users, *usersFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Saturate test: %d users against %s (ramp=%s, hold=%s)\n", len(ids), *url, *ramp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	pool := &clientSet{}

	step := *ramp / time.Duration(len(ids))
	if step <= 0 {
		step = time.Millisecond
	}
	slots := make(chan struct{}, *parallel)
	var wg sync.WaitGroup

	started := time.Now()
	stopProgress := every(time.Second, func() {
		fmt.Printf("  [ramp] open=%d/%d errors=%d\n", collector.ConnectionCount(), len(ids), collector.ErrorCount())
	})
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		slots <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-slots }()
			if c := dial(ctx, *url, id, collector, nil); c != nil {
				pool.add(c)
			}
		}(id)
		time.Sleep(step)
	}
	wg.Wait()
	stopProgress()
	fmt.Printf("Ramp finished in %s: %d open, %d errors\n",
		time.Since(started).Round(time.Millisecond), pool.len(), collector.ErrorCount())

	opened := pool.len()
	if ctx.Err() == nil {
		stopProgress = every(5*time.Second, func() {
			fmt.Printf("  [hold] alive=%d/%d\n", pool.alive(), opened)
		})
		select {
		case <-ctx.Done():
		case <-time.After(*hold):
		}
		stopProgress()
	}

	alive := pool.alive()
	pool.closeAll()
	if lost := opened - alive; lost > 0 {
		fmt.Printf("\nDropped during hold: %d\n", lost)
	}
	collector.Report()
}

// clientSet is the set of connections opened so far.
type clientSet struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (s *clientSet) add(c *client.Client) {
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()
}

func (s *clientSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *clientSet) alive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.Alive() {
			n++
		}
	}
	return n
}

func (s *clientSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = nil
}

// every runs fn on each tick until the returned stop func is called.
func every(d time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
