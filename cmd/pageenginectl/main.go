// Command pageenginectl drives a navigation against a running pageengine
// server and prints milestones as they arrive, for manual end-to-end
// testing of the engine without wiring up a full agent harness.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	cliName = "pageenginectl"
	version = "v1.0"
)

var commands = &cobra.Command{
	Use:  cliName,
	Long: fmt.Sprintf("Drive a pageengine navigation from the command line - %v", version),
	RunE: run,
}

func main() {
	commands.Flags().StringP("url", "u", "", "URL to navigate to (required)")
	commands.Flags().StringP("kind", "k", "navigate", "Navigation kind: navigate, reload, or back_forward")
	commands.Flags().StringP("api-url", "a", "http://127.0.0.1:8080", "pageengine control-plane base URL")
	commands.Flags().StringP("api-key", "K", "", "API key, if the server has auth enabled")
	commands.Flags().DurationP("watch", "w", 15*time.Second, "How long to stream milestones before printing a final snapshot")
	commands.Flags().BoolP("hints", "", false, "Print the resource hint batch after the watch window closes")
	commands.Flags().BoolP("quiet", "q", false, "Only print milestone lines, no banner")
	commands.Flags().SortFlags = false

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		return fmt.Errorf("--url is required")
	}
	kind, _ := cmd.Flags().GetString("kind")
	apiURL, _ := cmd.Flags().GetString("api-url")
	apiKey, _ := cmd.Flags().GetString("api-key")
	watch, _ := cmd.Flags().GetDuration("watch")
	wantHints, _ := cmd.Flags().GetBool("hints")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if !quiet {
		fmt.Printf("pageenginectl %s: navigating to %s (kind=%s)\n", version, url, kind)
	}

	if err := startNavigation(apiURL, apiKey, url, kind); err != nil {
		return fmt.Errorf("start navigation: %w", err)
	}

	streamMilestones(apiURL, apiKey, watch, quiet)

	snap, err := fetchJSON(apiURL, apiKey, "/api/v1/snapshot")
	if err != nil {
		fmt.Fprintln(os.Stderr, "snapshot fetch failed:", err)
	} else {
		fmt.Println("--- final snapshot ---")
		fmt.Println(snap)
	}

	if wantHints {
		hints, err := fetchJSON(apiURL, apiKey, "/api/v1/hints")
		if err != nil {
			fmt.Fprintln(os.Stderr, "hints fetch failed:", err)
		} else {
			fmt.Println("--- hints ---")
			fmt.Println(hints)
		}
	}

	return nil
}

func startNavigation(apiURL, apiKey, url, kind string) error {
	body, err := json.Marshal(map[string]string{"url": url, "kind": kind})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, apiURL+"/api/v1/navigate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	setHeaders(req, apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// streamMilestones connects to the SSE milestone feed and prints one line
// per event for the duration of watch, then returns.
func streamMilestones(apiURL, apiKey string, watch time.Duration, quiet bool) {
	req, err := http.NewRequest(http.MethodGet, apiURL+"/api/v1/events", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "events request build failed:", err)
		return
	}
	setHeaders(req, apiKey)

	client := &http.Client{Timeout: watch + 2*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "events connect failed:", err)
		return
	}
	defer resp.Body.Close()

	if !quiet {
		fmt.Printf("watching milestones for %s...\n", watch)
	}

	done := time.After(watch)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				lines <- data
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fmt.Println(line)
		}
	}
}

func fetchJSON(apiURL, apiKey, path string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, apiURL+path, nil)
	if err != nil {
		return "", err
	}
	setHeaders(req, apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
}
