// ABOUTME: Minimal fake research agent for E2E testing, drives sessions over the HTTP API.
// ABOUTME: Usage: fake-researcher [-addr localhost:8080] [-sessions 1] [-steps 5]
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/halcyon-research/streamhub/internal/hub"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "hub HTTP address")
	sessions := flag.Int("sessions", 1, "number of concurrent fake sessions")
	steps := flag.Int("steps", 5, "progress steps per session")
	interval := flag.Duration("interval", 500*time.Millisecond, "delay between events")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, *sessions)
	for i := 0; i < *sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runSession(ctx, *addr, n, *steps, *interval); err != nil {
				errs <- fmt.Errorf("session %d: %w", n, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := false
	for err := range errs {
		log.Print(err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}

// runSession walks one session through the full lifecycle: create, subscribe
// to its own event stream, emit started/progress/complete, then read the
// report back.
func runSession(ctx context.Context, addr string, n, steps int, interval time.Duration) error {
	base := fmt.Sprintf("http://%s", addr)

	created, err := createSession(ctx, base, n)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "session %s created\n", created.Session.ID)

	// Stream in the background; received events echo to stderr.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := streamEvents(streamCtx, base, created); err != nil && streamCtx.Err() == nil {
			log.Printf("stream error: %v", err)
		}
	}()

	phases := []string{"planning", "searching", "reading", "synthesizing", "writing"}

	if err := postEvent(ctx, base, created, "research_started", map[string]any{
		"phase": phases[0],
	}); err != nil {
		return err
	}

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		phase := phases[len(phases)-1]
		if idx := (i - 1) * len(phases) / steps; idx < len(phases) {
			phase = phases[idx]
		}

		data := map[string]any{
			"phase":            phase,
			"overall_progress": i * 100 / steps,
			"progress_unit":    "percent",
		}
		if i == (steps+1)/2 {
			data["partial_results"] = map[string]any{
				"sources_reviewed": i * 3,
				"notes":            "preliminary findings captured",
			}
		}

		if err := postEvent(ctx, base, created, "research_progress", data); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(interval):
	}

	if err := postEvent(ctx, base, created, "research_complete", map[string]any{
		"final_report": fakeReport(n, steps),
	}); err != nil {
		return err
	}

	// Let the stream drain the completion event before tearing it down.
	time.Sleep(interval)
	stopStream()
	<-streamDone

	report, err := fetchReport(ctx, base, created)
	if err != nil {
		return fmt.Errorf("fetching report: %w", err)
	}
	fmt.Fprintf(os.Stderr, "session %s report: %d bytes\n", created.Session.ID, len(report))

	return nil
}

func createSession(ctx context.Context, base string, n int) (*hub.CreateSessionResponse, error) {
	body, err := json.Marshal(hub.CreateSessionRequest{
		UserID: fmt.Sprintf("fake-researcher-%d", n),
		Title:  fmt.Sprintf("Simulated research run %d", n),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	var created hub.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, err
	}
	return &created, nil
}

func postEvent(ctx context.Context, base string, created *hub.CreateSessionResponse, eventType string, data map[string]any) error {
	body, err := json.Marshal(hub.IngestEventRequest{Type: eventType, Data: data})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/sessions/%s/events", base, created.Session.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Binding-Token", created.BindingToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", eventType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("posting %s: status %d: %s", eventType, resp.StatusCode, msg)
	}
	return nil
}

// streamEvents tails the session's SSE stream until the context is canceled,
// logging each event line as it arrives.
func streamEvents(ctx context.Context, base string, created *hub.CreateSessionResponse) error {
	url := fmt.Sprintf("%s/api/sessions/%s/events?replay=1", base, created.Session.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Binding-Token", created.BindingToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			log.Printf("[%s] %s", created.Session.ID, strings.TrimPrefix(line, "event: "))
		}
	}
	return scanner.Err()
}

func fetchReport(ctx context.Context, base string, created *hub.CreateSessionResponse) (string, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/report", base, created.Session.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Binding-Token", created.BindingToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func fakeReport(n, steps int) string {
	return fmt.Sprintf("# Research Findings %d\n\n"+
		"## Summary\n\n"+
		"The investigation covered **%d** simulated sources over %d steps.\n\n"+
		"- Key observation one\n"+
		"- Key observation two with `inline code`\n"+
		"- Key observation three\n\n"+
		"> Generated by fake-researcher for end-to-end testing.\n", n, steps*3, steps)
}
