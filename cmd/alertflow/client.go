package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/alertflow/notify"
	"github.com/songzhibin97/alertflow/types"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// call sends body as JSON to the API and pretty-prints the JSON reply.
func (c *cli) call(cmd *cobra.Command, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(c.server, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var p struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &p) == nil && p.Detail != "" {
			return fmt.Errorf("%s (%d %s)", p.Detail, resp.StatusCode, p.Type)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if len(raw) == 0 {
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}

// readJSON decodes a file argument ("-" for stdin) into v.
func readJSON(path string, v interface{}) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func parseInput(s string) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	if s == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(s), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func (c *cli) workflowCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Manage workflows"}

	create := &cobra.Command{
		Use:   "create FILE",
		Short: "Create a workflow from a JSON definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec types.WorkflowSpec
			if err := readJSON(args[0], &spec); err != nil {
				return err
			}
			return c.call(cmd, http.MethodPost, "/workflows", spec)
		},
	}
	update := &cobra.Command{
		Use:   "update ID FILE",
		Short: "Replace a workflow definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec types.WorkflowSpec
			if err := readJSON(args[1], &spec); err != nil {
				return err
			}
			return c.call(cmd, http.MethodPut, "/workflows/"+url.PathEscape(args[0]), spec)
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, http.MethodGet, "/workflows", nil)
		},
	}

	var input string
	execute := &cobra.Command{
		Use:   "execute ID",
		Short: "Run a workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(input)
			if err != nil {
				return err
			}
			return c.call(cmd, http.MethodPost, "/workflows/"+url.PathEscape(args[0])+"/execute", in)
		},
	}
	execute.Flags().StringVar(&input, "input", "", "JSON object passed as the execution input")

	cmd.AddCommand(create, update, list, execute,
		c.idCommand("get", "Show a workflow", http.MethodGet, "/workflows/%s"),
		c.idCommand("enable", "Enable a workflow", http.MethodPost, "/workflows/%s/enable"),
		c.idCommand("disable", "Disable a workflow", http.MethodPost, "/workflows/%s/disable"),
		c.idCommand("delete", "Delete a workflow", http.MethodDelete, "/workflows/%s"),
	)
	return cmd
}

func (c *cli) executionCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "execution", Short: "Inspect executions"}

	var workflowID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/executions"
			if workflowID != "" {
				path += "?workflow_id=" + url.QueryEscape(workflowID)
			}
			return c.call(cmd, http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVar(&workflowID, "workflow", "", "only executions of this workflow")

	cmd.AddCommand(list,
		c.idCommand("get", "Show an execution and its log", http.MethodGet, "/executions/%s"),
		c.idCommand("cancel", "Cancel a running execution", http.MethodPost, "/executions/%s/cancel"),
	)
	return cmd
}

func (c *cli) notifyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Send and manage notifications"}

	var req notify.SendRequest
	var channels []string
	send := &cobra.Command{
		Use:   "send TITLE",
		Short: "Send a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Title = args[0]
			for _, ch := range channels {
				req.Channels = append(req.Channels, types.Channel(ch))
			}
			return c.call(cmd, http.MethodPost, "/notifications", req)
		},
	}
	send.Flags().StringVar((*string)(&req.Type), "type", string(types.TypeSystem), "notification type")
	send.Flags().StringVar((*string)(&req.Priority), "priority", string(types.PriorityMedium), "notification priority")
	send.Flags().StringVar(&req.Message, "message", "", "notification body")
	send.Flags().StringSliceVar(&channels, "channel", nil, "delivery channel, repeatable (defaults by priority)")

	var filter struct {
		typ, priority, since string
		unacked              bool
		limit                int
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if filter.typ != "" {
				q.Set("type", filter.typ)
			}
			if filter.priority != "" {
				q.Set("priority", filter.priority)
			}
			if filter.since != "" {
				q.Set("since", filter.since)
			}
			if filter.unacked {
				q.Set("acknowledged", "false")
			}
			if filter.limit > 0 {
				q.Set("limit", fmt.Sprint(filter.limit))
			}
			path := "/notifications"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return c.call(cmd, http.MethodGet, path, nil)
		},
	}
	list.Flags().StringVar(&filter.typ, "type", "", "only this type")
	list.Flags().StringVar(&filter.priority, "priority", "", "only this priority")
	list.Flags().StringVar(&filter.since, "since", "", "only notifications after this RFC 3339 time")
	list.Flags().BoolVar(&filter.unacked, "unacked", false, "only unacknowledged notifications")
	list.Flags().IntVar(&filter.limit, "limit", 0, "maximum number of results")

	var by string
	ack := &cobra.Command{
		Use:   "ack ID",
		Short: "Acknowledge a notification and stop its escalations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, "/notifications/"+url.PathEscape(args[0])+"/ack",
				map[string]string{"by": by})
		},
	}
	ack.Flags().StringVar(&by, "by", os.Getenv("USER"), "who acknowledged it")

	config := &cobra.Command{
		Use:   "config [FILE]",
		Short: "Show the notification config, or replace it with FILE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.call(cmd, http.MethodGet, "/notifications/config", nil)
			}
			var cfg types.NotificationConfig
			if err := readJSON(args[0], &cfg); err != nil {
				return err
			}
			return c.call(cmd, http.MethodPut, "/notifications/config", cfg)
		},
	}

	cmd.AddCommand(send, list, ack, config,
		c.idCommand("get", "Show a notification", http.MethodGet, "/notifications/%s"),
		c.idCommand("test", "Send a test notification to CHANNEL", http.MethodPost, "/notifications/test/%s"),
	)
	return cmd
}

func (c *cli) eventCommand() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "event NAME",
		Short: "Publish a named event to start event-triggered workflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(data)
			if err != nil {
				return err
			}
			return c.call(cmd, http.MethodPost, "/events/"+url.PathEscape(args[0]), in)
		},
	}
	cmd.Flags().StringVar(&data, "input", "", "JSON object passed as the execution input")
	return cmd
}

// idCommand builds a one-argument command that calls pathFormat with the id.
func (c *cli) idCommand(use, short, method, pathFormat string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, method, fmt.Sprintf(pathFormat, url.PathEscape(args[0])), nil)
		},
	}
}
