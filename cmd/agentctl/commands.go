package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"call-assist-agent/internal/service/session"
)

type options struct {
	addr    string
	timeout time.Duration
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Control a running call assist agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8090", "agent control API address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print the full state as JSON")

	root.AddCommand(
		controlCmd(opts, "start", "Reset state and start a call", http.MethodPost, "/v1/call/start"),
		controlCmd(opts, "end", "End the call and request the post-call evaluation", http.MethodPost, "/v1/call/end"),
		controlCmd(opts, "new", "Discard the finished call", http.MethodPost, "/v1/call/new"),
		controlCmd(opts, "reset", "Clear the session state", http.MethodPost, "/v1/session/reset"),
		controlCmd(opts, "toggle", "Mute or unmute recognition", http.MethodPost, "/v1/listening/toggle"),
		controlCmd(opts, "state", "Print the current session state", http.MethodGet, "/v1/session"),
	)
	return root
}

func controlCmd(opts *options, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, reqErr, err := call(cmd, opts, method, path)
			if err != nil {
				return err
			}
			if err := printState(cmd.OutOrStdout(), st, opts.asJSON); err != nil {
				return err
			}
			if reqErr != "" {
				return fmt.Errorf("%s", reqErr)
			}
			return nil
		},
	}
}

// response is a bare snapshot on success, or {error, state} on failure.
type response struct {
	Error string `json:"error"`
	session.State
	Nested *session.State `json:"state"`
}

func call(cmd *cobra.Command, opts *options, method, path string) (session.State, string, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), method, opts.addr+path, nil)
	if err != nil {
		return session.State{}, "", fmt.Errorf("build request: %w", err)
	}
	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return session.State{}, "", fmt.Errorf("reach agent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.State{}, "", fmt.Errorf("read response: %w", err)
	}
	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return session.State{}, "", fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
	}
	if out.Nested != nil {
		return *out.Nested, out.Error, nil
	}
	return out.State, out.Error, nil
}

func printState(w io.Writer, st session.State, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(w, "Call:       %s (active=%v)\n", st.CallID, st.CallActive)
	fmt.Fprintf(w, "Status:     %s\n", st.StatusText())
	fmt.Fprintf(w, "Transcript: %d entries\n", len(st.Transcript))
	for _, e := range st.Transcript {
		mark := "~"
		if e.IsFinalized {
			mark = "="
		}
		fmt.Fprintf(w, "  %s [%s] %s\n", mark, e.Speaker, e.Text)
	}
	if st.SuggestionText != "" {
		fmt.Fprintf(w, "Suggestion: %s\n", st.SuggestionText)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", st.LastError)
	}
	return nil
}
