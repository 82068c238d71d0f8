// Command callctl is the operator CLI for the gateway control API.
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
		os.Exit(1)
	}
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(strings.TrimSuffix(c.addr, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *client) post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(strings.TrimSuffix(c.addr, "/")+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	rootCmd := &cobra.Command{
		Use:           "callctl",
		Short:         "Operate the call gateway: sessions, dialing, broadcast approvals",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&c.addr, "addr", "http://localhost:8081", "control API address")

	rootCmd.AddCommand(
		newSessionsCmd(c),
		newDialCmd(c),
		newGroupsCmd(c),
		newMessageCmd(c),
	)
	return rootCmd
}

func newSessionsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions that are not terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Sessions []struct {
					SessionID   string `json:"session_id"`
					SessionName string `json:"session_name"`
					PhoneNumber string `json:"phone_number"`
					Status      string `json:"status"`
					SessionType string `json:"session_type"`
				} `json:"sessions"`
			}
			if err := c.get("/v1/sessions", &out); err != nil {
				return err
			}
			for _, s := range out.Sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n",
					s.SessionID, s.SessionName, s.PhoneNumber, s.Status, s.SessionType)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := c.get("/v1/sessions/"+args[0], &out); err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, out, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), buf.String())
			return nil
		},
	})
	return cmd
}

func newDialCmd(c *client) *cobra.Command {
	var purpose string
	cmd := &cobra.Command{
		Use:   "dial <number>",
		Short: "Place an outbound call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				CallID string `json:"call_id"`
			}
			body := map[string]string{"to": args[0], "purpose": purpose}
			if err := c.post("/v1/calls/dial", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dialing, call id %s\n", out.CallID)
			return nil
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", "", "goal text carried into the session")
	return cmd
}

func newGroupsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage broadcast group approvals",
	}
	decide := func(decision string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"decision": decision}
			if err := c.post("/v1/groups/"+args[0]+"/decide", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s %sd\n", args[0], decision)
			return nil
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <group>",
		Short: "Approve a broadcast group",
		Args:  cobra.ExactArgs(1),
		RunE:  decide("approve"),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deny <group>",
		Short: "Deny a broadcast group",
		Args:  cobra.ExactArgs(1),
		RunE:  decide("deny"),
	})
	return cmd
}

func newMessageCmd(c *client) *cobra.Command {
	var msgType string
	cmd := &cobra.Command{
		Use:   "message <target> <text>",
		Short: "Enqueue a message for a session or the owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				MessageID string `json:"message_id"`
			}
			body := map[string]string{"target": args[0], "text": args[1], "type": msgType}
			if err := c.post("/v1/messages", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", out.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "notification", "message type")
	return cmd
}
