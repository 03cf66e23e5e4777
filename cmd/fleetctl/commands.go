package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/fleetctl/internal/config"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [bot]",
	Short: "Show the fleet, or one bot in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			var detail any
			if err := client.call(cmd.Context(), http.MethodGet, "/bots/"+url.PathEscape(args[0])+"/status", nil, &detail); err != nil {
				return err
			}
			return printJSON(out, detail)
		}

		var result struct {
			Bots []struct {
				BotID      string `json:"bot_id"`
				Status     string `json:"status"`
				Provenance string `json:"provenance"`
			} `json:"bots"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/bots", nil, &result); err != nil {
			return err
		}
		if len(result.Bots) == 0 {
			fmt.Fprintln(out, "No bots tracked.")
			return nil
		}
		for _, b := range result.Bots {
			fmt.Fprintf(out, "%-32s %-10s %s\n", b.BotID, colorize(statusColor(b.Status), b.Status), b.Provenance)
		}
		return nil
	},
}

// --- start / stop ---

var startCmd = &cobra.Command{
	Use:   "start <bot>",
	Short: "Send a start command to a bot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script, _ := cmd.Flags().GetString("script")
		conf, _ := cmd.Flags().GetString("conf")
		logLevel, _ := cmd.Flags().GetString("log-level")

		body := map[string]any{"log_level": logLevel, "async_backend": true}
		if script != "" {
			body["script"] = script
		}
		if conf != "" {
			body["conf"] = conf
		}
		return sendCommand(cmd, args[0], "start", body)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <bot>",
	Short: "Send a stop command to a bot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetBool("skip-order-cancellation")
		return sendCommand(cmd, args[0], "stop", map[string]any{
			"skip_order_cancellation": skip,
			"async_backend":           true,
		})
	},
}

func sendCommand(cmd *cobra.Command, botID, command string, body any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var result map[string]bool
	if err := client.call(cmd.Context(), http.MethodPost, "/bots/"+url.PathEscape(botID)+"/"+command, body, &result); err != nil {
		return err
	}
	printSuccess("Sent %s to %s", command, botID)
	return nil
}

func init() {
	startCmd.Flags().String("script", "", "strategy script to run")
	startCmd.Flags().String("conf", "", "strategy config file")
	startCmd.Flags().String("log-level", "INFO", "bot log level")
	stopCmd.Flags().Bool("skip-order-cancellation", false, "leave open orders in place")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <bot>",
	Short: "Fetch a bot's trade history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetFloat64("days")
		verbose, _ := cmd.Flags().GetBool("verbose")
		timeout, _ := cmd.Flags().GetFloat64("timeout")

		q := url.Values{}
		q.Set("days", strconv.FormatFloat(days, 'f', -1, 64))
		q.Set("verbose", strconv.FormatBool(verbose))
		if timeout > 0 {
			q.Set("timeout", strconv.FormatFloat(timeout, 'f', -1, 64))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/bots/"+url.PathEscape(args[0])+"/history?"+q.Encode(), nil, &result); err != nil {
			return err
		}
		if result.Status != "success" {
			printWarning("history request %s", result.Status)
			return nil
		}
		return printJSON(cmd.OutOrStdout(), result.Response)
	},
}

func init() {
	historyCmd.Flags().Float64("days", 0, "days of history (0 for all)")
	historyCmd.Flags().Bool("verbose", false, "include individual trades")
	historyCmd.Flags().Float64("timeout", 0, "seconds to wait for the bot's reply")
}

// --- archive / release ---

var archiveCmd = &cobra.Command{
	Use:   "archive <bot>",
	Short: "Stop a bot, remove its container and archive its data",
	Long: `Stop a bot, remove its container and archive its data.

The shutdown runs in the background on the server; follow it with
"fleetctl sagas <id>".

Examples:
  fleetctl archive hummingbot-alpha
  fleetctl archive alpha --s3-bucket bot-archives
  fleetctl archive alpha --cancel-orders`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, _ := cmd.Flags().GetString("s3-bucket")
		cancelOrders, _ := cmd.Flags().GetBool("cancel-orders")

		body := map[string]any{
			"skip_order_cancellation": !cancelOrders,
			"archive_locally":         bucket == "",
		}
		if bucket != "" {
			body["s3_bucket"] = bucket
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var ack struct {
			SagaID        string `json:"saga_id"`
			Container     string `json:"container"`
			ArchiveTarget string `json:"archive_target"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/bots/"+url.PathEscape(args[0])+"/stop-and-archive", body, &ack); err != nil {
			return err
		}
		printSuccess("Shutdown of %s accepted (saga %s, archive to %s)", ack.Container, ack.SagaID, ack.ArchiveTarget)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <bot>",
	Short: "Return a bot held by a failed shutdown to the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := client.call(cmd.Context(), http.MethodPost, "/bots/"+url.PathEscape(args[0])+"/release", nil, &result); err != nil {
			return err
		}
		if !result["released"] {
			printWarning("%s was not held", args[0])
			return nil
		}
		printSuccess("Released %s", args[0])
		return nil
	},
}

func init() {
	archiveCmd.Flags().String("s3-bucket", "", "upload the archive to this S3 bucket instead of local disk")
	archiveCmd.Flags().Bool("cancel-orders", false, "cancel open orders before stopping")
}

// --- sagas ---

var sagasCmd = &cobra.Command{
	Use:   "sagas [id]",
	Short: "List recent shutdowns, or show one with its journal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			var saga any
			if err := client.call(cmd.Context(), http.MethodGet, "/sagas/"+url.PathEscape(args[0]), nil, &saga); err != nil {
				return err
			}
			return printJSON(out, saga)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		var result struct {
			Sagas []struct {
				ID            string
				Container     string
				Phase         string
				ExclusionHeld bool
				Error         string
				CreatedAt     string
			} `json:"sagas"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, fmt.Sprintf("/sagas?limit=%d", limit), nil, &result); err != nil {
			return err
		}
		if len(result.Sagas) == 0 {
			fmt.Fprintln(out, "No sagas found.")
			return nil
		}
		for _, s := range result.Sagas {
			line := fmt.Sprintf("%s  %s  %-28s %s", colorize(colorCyan, shortID(s.ID)), s.CreatedAt, s.Container,
				colorize(statusColor(s.Phase), s.Phase))
			if s.ExclusionHeld {
				line += " (held)"
			}
			if s.Error != "" {
				line += "  " + s.Error
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func init() {
	sagasCmd.Flags().Int("limit", 20, "maximum number of sagas to list")
}

// --- containers ---

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List bot containers known to the container runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		running, _ := cmd.Flags().GetBool("running")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			Containers []struct {
				Name   string `json:"name"`
				Image  string `json:"image"`
				State  string `json:"state"`
				Status string `json:"status"`
			} `json:"containers"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/containers?all="+strconv.FormatBool(!running), nil, &result); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(result.Containers) == 0 {
			fmt.Fprintln(out, "No bot containers found.")
			return nil
		}
		for _, c := range result.Containers {
			fmt.Fprintf(out, "%-32s %-10s %s\n", c.Name, c.State, c.Image)
		}
		return nil
	},
}

// containerActionCmd posts one lifecycle action for a bot container.
func containerActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <container>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/containers/" + url.PathEscape(args[0]) + "/" + action
			if action == "remove" {
				force, _ := cmd.Flags().GetBool("force")
				path += "?force=" + strconv.FormatBool(force)
			}
			var result map[string]any
			if err := client.call(cmd.Context(), http.MethodPost, path, nil, &result); err != nil {
				return err
			}
			printSuccess("%s %s", action, args[0])
			return nil
		},
	}
}

var containersCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every exited bot container",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			Removed []string `json:"removed"`
			Error   string   `json:"error"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/containers/clean-exited", nil, &result); err != nil {
			return err
		}
		for _, name := range result.Removed {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		if result.Error != "" {
			printWarning("some containers were not removed: %s", result.Error)
		}
		printSuccess("Removed %d exited containers", len(result.Removed))
		return nil
	},
}

func init() {
	containersCmd.Flags().Bool("running", false, "only list running containers")

	removeCmd := containerActionCmd("remove", "Remove a bot container")
	removeCmd.Flags().Bool("force", false, "kill the container if it is running")
	containersCmd.AddCommand(
		containerActionCmd("start", "Start a stopped bot container"),
		containerActionCmd("stop", "Stop a bot container"),
		removeCmd,
		containersCleanCmd,
	)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
