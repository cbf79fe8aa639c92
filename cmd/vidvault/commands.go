package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/vidvault/internal/config"
	"github.com/kalambet/vidvault/internal/jobs"
	"github.com/kalambet/vidvault/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <video-id-or-link>",
	Short: "Queue a video for download",
	Long: `Queue a video for download, optionally with transcription.

Examples:
  vidvault submit 7301234567890123456
  vidvault submit https://www.douyin.com/video/7301234567890123456 --transcribe
  vidvault submit 7301234567890123456 --force --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transcribe, _ := cmd.Flags().GetBool("transcribe")
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs", map[string]any{
			"video_id":   args[0],
			"transcribe": transcribe,
			"force":      force,
		})
		if err != nil {
			return err
		}

		var snap jobs.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		printSuccess("Queued job %s for video %s", snap.TaskID, snap.VideoID)

		if !wait {
			fmt.Fprintln(cmd.OutOrStdout(), snap.TaskID)
			return nil
		}
		return waitForJob(cmd, client, snap)
	},
}

func init() {
	submitCmd.Flags().Bool("transcribe", false, "also produce a transcript")
	submitCmd.Flags().Bool("force", false, "download again even if the video is already stored")
	submitCmd.Flags().Bool("wait", false, "follow the job until it finishes")
}

// waitForJob prints each new message of a job until it is terminal and
// returns an error if the job failed.
func waitForJob(cmd *cobra.Command, client *apiClient, snap jobs.Snapshot) error {
	last := snap
	lastMessage := ""
	err := client.follow(cmd.Context(), snap.TaskID, func(ev jobs.Event) {
		last = ev.Snapshot
		if ev.Message != lastMessage {
			printStep("%s", ev.Message)
			lastMessage = ev.Message
		}
	})
	if err != nil {
		return err
	}

	writeSnapshot(cmd.OutOrStdout(), last)
	if last.State == storage.StateFailed {
		return errors.Newf("job %s failed", last.TaskID)
	}
	return nil
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var snap jobs.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, snap)
		}
		writeSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}

		var snap jobs.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		if snap.Error != nil && snap.Error.Kind == storage.KindCancelled {
			printSuccess("Cancelled job %s", snap.TaskID)
		} else {
			printWarning("Job %s already finished (%s)", snap.TaskID, snap.State)
		}
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		state, _ := cmd.Flags().GetString("state")
		videoID, _ := cmd.Flags().GetString("video")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if state != "" {
			q.Set("state", state)
		}
		if videoID != "" {
			q.Set("video_id", videoID)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs?"+q.Encode())
		if err != nil {
			return err
		}

		var list []jobs.Snapshot
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
			return nil
		}
		for _, s := range list {
			writeJobRow(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	jobShowCmd.Flags().Bool("json", false, "print the raw snapshot")
	jobListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobListCmd.Flags().String("state", "", "only jobs in this state (PENDING, DOWNLOADING, TRANSCRIBING, SUCCESS, FAILED)")
	jobListCmd.Flags().String("video", "", "only jobs for this video id")

	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobListCmd)
}

// --- videos ---

var videosCmd = &cobra.Command{
	Use:   "videos [video-id]",
	Short: "List stored videos or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/videos/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var entry storage.VideoEntry
			if err := decodeJSON(resp, &entry); err != nil {
				return err
			}
			return printJSON(cmd, entry)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/videos?limit=%d", limit))
		if err != nil {
			return err
		}
		var list []storage.VideoEntry
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No videos stored.")
			return nil
		}
		for _, v := range list {
			transcript := "-"
			if v.Transcript != nil {
				transcript = humanize.Comma(int64(len([]rune(*v.Transcript)))) + " chars"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s  %-14s  %s\n",
				colorize(colorCyan, v.VideoID),
				v.Author,
				relTime(v.UpdatedAt),
				transcript,
			)
		}
		return nil
	},
}

func init() {
	videosCmd.Flags().Int("limit", 20, "maximum number of videos to list")
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the API token for HTTP clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := config.GetAPIToken(config.NewKeychain())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
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
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store an API key in the keychain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewKeychain(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

