package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"capstan/internal/ipc"
	"capstan/internal/progress"
)

const progressPollInterval = 300 * time.Millisecond

// callWithProgress runs a blocking RPC while polling the daemon's progress
// cache for the backend, repainting a single status line. JSON-RPC multiplexes
// calls over one connection, so the poll shares the client. Non-terminal
// writers get no live updates.
func callWithProgress(client *ipc.Client, backendID string, out io.Writer, fn func() error) error {
	if !shouldColorize(out) {
		return fn()
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()
		var last progress.Message
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				resp, err := client.Progress(backendID)
				if err != nil {
					continue
				}
				if resp.Message == last {
					continue
				}
				last = resp.Message
				fmt.Fprintf(out, "\r\x1b[2K  %3.0f%%  %s", last.Percent, last.Text)
			}
		}
	}()

	err := fn()
	close(done)
	wg.Wait()
	fmt.Fprint(out, "\r\x1b[2K")
	return err
}
