package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Fprintln(cmd.OutOrStdout(), "Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd)

	if err := os.WriteFile(".env.example", []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Successfully generated .env.example file")
	return nil
}

type envSection struct {
	title string
	flags []string
	notes []string
}

var envSections = []envSection{
	{
		title: "VK",
		flags: []string{"token", "vk-api-base", "vk-api-version", "vk-timeout"},
		notes: []string{"VK_TOKEN is accepted as well"},
	},
	{
		title: "Download",
		flags: []string{"path", "if-exists", "sort", "ffmpeg", "segment-concurrency", "download-timeout"},
	},
	{
		title: "Metadata",
		flags: []string{
			"metadata-source", "metadata-timeout",
			"lastfm-api-key", "discogs-token", "spotify-client-id", "spotify-client-secret",
		},
		notes: []string{"LASTFM_API_KEY and DISCOGS_TOKEN are accepted as well"},
	},
	{
		title: "Catalog rate limiting",
		flags: []string{"metadata-min-interval", "metadata-max-attempts", "metadata-failure-threshold"},
	},
	{
		title: "Metrics and logging",
		flags: []string{"metrics-addr", "log-level", "log-format"},
	},
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# vkaudio Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	fmt.Fprintf(&content, "# Format: %s_<SETTING>=value\n", envPrefix)
	content.WriteString("# CLI equivalent: --<setting>\n")
	content.WriteString("#\n\n")

	for _, section := range envSections {
		content.WriteString("# -----------------------------------------------------------------------------\n")
		fmt.Fprintf(&content, "# %s\n", section.title)
		content.WriteString("# -----------------------------------------------------------------------------\n")
		for _, note := range section.notes {
			fmt.Fprintf(&content, "# %s\n", note)
		}
		for _, name := range section.flags {
			usage := ""
			if f := cmd.PersistentFlags().Lookup(name); f != nil {
				usage = f.Usage
			} else if f := cmd.Root().PersistentFlags().Lookup(name); f != nil {
				usage = f.Usage
			}
			fmt.Fprintf(&content, "%s=%s    # %s\n", flagToEnvVar(name), getDefaultValueString(cmd, name), usage)
		}
		content.WriteString("\n")
	}

	return content.String()
}

func flagToEnvVar(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	if f := cmd.Root().PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}
