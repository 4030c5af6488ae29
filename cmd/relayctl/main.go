// Command relayctl is the operator CLI: it talks to the relay daemon's
// dashboard gateway (C11) over plain HTTP, never to the Unix socket
// directly, so it can run from any machine with a route to the gateway.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "relayctl talks to a running relay daemon's dashboard gateway",
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOrDefault("RELAY_GATEWAY_ADDR", "http://localhost:8787"), "dashboard gateway base URL")

	root.AddCommand(newSendCmd(&addr))
	root.AddCommand(newSpawnCmd(&addr))
	root.AddCommand(newReleaseCmd(&addr))
	root.AddCommand(newTailCmd(&addr))
	root.AddCommand(newStatusCmd(&addr))

	return root
}

func newSendCmd(addr *string) *cobra.Command {
	var from, thread string

	cmd := &cobra.Command{
		Use:   "send <to> <message>",
		Short: "send a message through the relay's router",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"to": args[0], "message": args[1]}
			if from != "" {
				body["from"] = from
			}
			if thread != "" {
				body["thread"] = thread
			}
			return postJSON(*addr+"/api/send", body, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender name (default: __dashboard)")
	cmd.Flags().StringVar(&thread, "thread", "", "thread id to reply within")
	return cmd
}

func newSpawnCmd(addr *string) *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "spawn <name> <cli>",
		Short: "spawn a new agent worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0], "cli": args[1]}
			if task != "" {
				body["task"] = task
			}
			return postJSON(*addr+"/api/spawn", body, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "initial task description to hand the agent")
	return cmd
}

func newReleaseCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "release (kill and forget) a spawned agent worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(http.MethodDelete, *addr+"/api/spawned/"+args[0], nil, os.Stdout)
		},
	}
}

func newTailCmd(addr *string) *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "tail <name>",
		Short: "print the last output lines captured from an agent's pane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/logs/%s?tail=%d", *addr, args[0], lines)
			return doRequest(http.MethodGet, url, nil, os.Stdout)
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 200, "number of trailing lines to fetch")
	return cmd
}

func newStatusCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the dashboard's current agents/messages/sessions snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest(http.MethodGet, *addr+"/api/data", nil, os.Stdout)
		},
	}
}

func postJSON(url string, body any, out io.Writer) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	return doRequest(http.MethodPost, url, bytes.NewReader(data), out)
}

func doRequest(method, url string, body io.Reader, out io.Writer) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, mustReadAll(resp.Body), "", "  "); err == nil {
		fmt.Fprintln(out, pretty.String())
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

func mustReadAll(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
