// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// RuntimeStatus holds the health information for a running runtime.
type RuntimeStatus struct {
	Addr           string `json:"addr"`
	Running        bool   `json:"running"`
	Ready          bool   `json:"ready"`
	PluginsMounted int    `json:"plugins_mounted"`
	Error          string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	metricsAddr string
	jsonOutput  bool
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running plugin runtime",
		Long:  `Query the runtime's health endpoints and report liveness, readiness, and the number of mounted plugins.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", "127.0.0.1:8312", "metrics/health HTTP address of the runtime")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := queryRuntimeStatus(cfg.metricsAddr)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatusTable(status))
	return nil
}

// queryRuntimeStatus queries the observability endpoints and returns the
// runtime's status. Errors are reported in the result rather than returned:
// a stopped runtime is a valid answer, not a command failure.
func queryRuntimeStatus(addr string) RuntimeStatus {
	status := RuntimeStatus{Addr: addr}
	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr

	resp, err := client.Get(base + "/healthz/liveness")
	if err != nil {
		status.Error = "not running"
		return status
	}
	_ = resp.Body.Close() //nolint:errcheck // body unused
	status.Running = resp.StatusCode == http.StatusOK

	resp, err = client.Get(base + "/healthz/readiness")
	if err == nil {
		status.Ready = resp.StatusCode == http.StatusOK
		_ = resp.Body.Close() //nolint:errcheck // body unused
	}

	resp, err = client.Get(base + "/metrics")
	if err != nil {
		return status
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // read-side cleanup

	status.PluginsMounted = scrapeGauge(resp, "chatplug_plugins_mounted")
	return status
}

// scrapeGauge pulls a single integer gauge out of a Prometheus text
// exposition response. Missing or unparsable values report as zero.
func scrapeGauge(resp *http.Response, name string) int {
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, name+" ") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimPrefix(line, name+" "), 64)
		if err != nil {
			return 0
		}
		return int(value)
	}
	return 0
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status RuntimeStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ADDR\tSTATUS\tREADY\tPLUGINS")
	_, _ = fmt.Fprintln(w, "----\t------\t-----\t-------")

	if status.Running {
		ready := "no"
		if status.Ready {
			ready = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\trunning\t%s\t%d\n",
			status.Addr, ready, status.PluginsMounted)
	} else {
		reason := "stopped"
		if status.Error != "" {
			reason = status.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t-\t-\n", status.Addr, reason)
	}

	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
