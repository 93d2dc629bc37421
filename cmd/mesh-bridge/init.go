// ABOUTME: init command: writes a starter config, or hashes an admin secret with --hash-secret
// ABOUTME: Prompts on stdin with defaults in brackets

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mesh-bridge/internal/auth"
	"github.com/2389/mesh-bridge/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var hashSecret bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			if hashSecret {
				return runHashSecret(reader, out)
			}
			return runInit(reader, out, opts.path())
		},
	}
	cmd.Flags().BoolVar(&hashSecret, "hash-secret", false, "read a secret from stdin and print its bcrypt hash for admin.secret")
	return cmd
}

func runHashSecret(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprint(out, "Admin secret: ")
	secret, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading secret: %w", err)
	}
	hash, err := auth.HashSecret(strings.TrimSpace(secret))
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, hash)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultValue)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "y" || s == "yes"
}

func runInit(reader *bufio.Reader, out io.Writer, defaultConfigPath string) error {
	fmt.Fprintln(out, "mesh-bridge configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server ---")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, out, "gRPC health address", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database ---")
	dbPath := prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "mesh.db"))

	fmt.Fprintln(out, "\n--- Primary network ---")
	primary := promptNetwork(reader, out, config.KindSerial)

	fmt.Fprintln(out, "\n--- Secondary network ---")
	var secondary *config.NetworkConfig
	if yes(prompt(reader, out, "Configure a secondary network?", "no")) {
		n := promptNetwork(reader, out, config.KindJSONL)
		secondary = &n
	}

	fmt.Fprintln(out, "\n--- Admin ---")
	secret := prompt(reader, out, "Admin secret (plain or bcrypt, empty disables admin)", "")

	var b strings.Builder
	b.WriteString("# mesh-bridge configuration\n")
	b.WriteString("# Generated by mesh-bridge init\n\n")
	fmt.Fprintf(&b, "server:\n  http_addr: %q\n  grpc_addr: %q\n\n", httpAddr, grpcAddr)
	fmt.Fprintf(&b, "database:\n  path: %q\n  packet_retention: \"14d\"\n  neighbor_retention: \"48h\"\n\n", dbPath)
	b.WriteString("networks:\n")
	writeNetwork(&b, "primary", primary)
	if secondary != nil {
		writeNetwork(&b, "secondary", *secondary)
	}
	b.WriteString("\nmaintenance:\n  interval: \"30s\"\n\n")
	if secret != "" {
		fmt.Fprintf(&b, "admin:\n  secret: %q\n\n", secret)
	}
	b.WriteString("logging:\n  level: \"info\"\n  format: \"text\"\n\n")
	b.WriteString("metrics:\n  enabled: true\n  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Fprintln(out)
	color.New(color.FgGreen).Fprint(out, "✓ ")
	fmt.Fprintf(out, "Config written to %s\n", outputFile)
	return nil
}

func promptNetwork(reader *bufio.Reader, out io.Writer, defaultKind string) config.NetworkConfig {
	n := config.NetworkConfig{Kind: prompt(reader, out, "Kind (serial/tcp/jsonl)", defaultKind)}
	switch n.Kind {
	case config.KindSerial:
		n.Device = prompt(reader, out, "Serial device", "/dev/ttyUSB0")
	case config.KindTCP:
		n.Address = prompt(reader, out, "Radio address", "meshtastic.local:4403")
	default:
		n.Address = prompt(reader, out, "Companion bridge address", "localhost:5000")
	}
	return n
}

func writeNetwork(b *strings.Builder, name string, n config.NetworkConfig) {
	fmt.Fprintf(b, "  %s:\n    kind: %q\n", name, n.Kind)
	if n.Device != "" {
		fmt.Fprintf(b, "    device: %q\n", n.Device)
	}
	if n.Address != "" {
		fmt.Fprintf(b, "    address: %q\n", n.Address)
	}
}
