// ABOUTME: Admin commands that call a running bridge: status, purge, compact, announce
// ABOUTME: The secret comes from --secret or MESH_BRIDGE_ADMIN_SECRET

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mesh-bridge/internal/auth"
	"github.com/2389/mesh-bridge/internal/bridge"
	"github.com/2389/mesh-bridge/internal/config"
)

// adminClient talks to the bridge's HTTP surface.
type adminClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newAdminClient(cfg *config.Config, url, secret string) *adminClient {
	if url == "" {
		url = "http://" + cfg.Server.HTTPAddr
	}
	if secret == "" {
		secret = os.Getenv("MESH_BRIDGE_ADMIN_SECRET")
	}
	return &adminClient{
		baseURL: strings.TrimRight(url, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(auth.HeaderAdminSecret, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type adminFlags struct {
	url    string
	secret string
}

func (f *adminFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "bridge base URL (default http://<server.http_addr>)")
	cmd.Flags().StringVar(&f.secret, "secret", "", "admin secret (default $MESH_BRIDGE_ADMIN_SECRET)")
}

func (f *adminFlags) client(opts *rootOptions) (*adminClient, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	return newAdminClient(cfg, f.url, f.secret), nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	flags := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show network and persistence status of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(opts)
			if err != nil {
				return err
			}
			var st bridge.Status
			if err := c.do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func printStatus(w io.Writer, st bridge.Status) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, n := range st.Networks {
		if n.Connected {
			green.Fprint(w, "● ")
		} else {
			red.Fprint(w, "● ")
		}
		fmt.Fprintf(w, "%-10s %-7s packets %d (session %d), reconnects %d", n.Name, n.Kind, n.LifetimePackets, n.SessionPackets, n.Reconnects)
		if n.LastError != "" {
			fmt.Fprintf(w, ", last error: %s", n.LastError)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "nodes %d, identities %d\n", st.Nodes, st.Identities)
	if st.Healthy {
		green.Fprintln(w, "persistence healthy")
	} else {
		red.Fprintf(w, "persistence failing (%d recent failures)\n", st.RecentFailures)
	}
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	flags := &adminFlags{}
	var olderThan, before string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete packet and neighbor history older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := bridge.PurgeRequest{OlderThan: olderThan}
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				req.Before = &t
			}
			if req.Before == nil && req.OlderThan == "" {
				return fmt.Errorf("one of --older-than or --before is required")
			}
			c, err := flags.client(opts)
			if err != nil {
				return err
			}
			var res bridge.PurgeResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/purge", req, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d packets, %d neighbor edges\n", res.Packets, res.Neighbors)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&olderThan, "older-than", "", "age cutoff, e.g. 30d")
	cmd.Flags().StringVar(&before, "before", "", "absolute cutoff (RFC 3339)")
	return cmd
}

func newCompactCmd(opts *rootOptions) *cobra.Command {
	flags := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim free space in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(opts)
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/compact", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database compacted")
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func newAnnounceCmd(opts *rootOptions) *cobra.Command {
	flags := &adminFlags{}
	cmd := &cobra.Command{
		Use:   "announce <text>",
		Short: "Broadcast a message on every connected network",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client(opts)
			if err != nil {
				return err
			}
			req := bridge.AnnounceRequest{Text: strings.Join(args, " ")}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/announce", req, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "announcement sent")
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}
