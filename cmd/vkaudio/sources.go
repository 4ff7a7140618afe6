package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"vkaudio/pkg/catalog"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List metadata catalogs in lookup order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry := catalog.NewRegistry(
			func(string) *http.Client { return &http.Client{Timeout: config.Metadata.Timeout} },
			catalog.Credentials{
				LastFMAPIKey:        config.Metadata.LastFMAPIKey,
				DiscogsToken:        config.Metadata.DiscogsToken,
				SpotifyClientID:     config.Metadata.SpotifyClientID,
				SpotifyClientSecret: config.Metadata.SpotifyClientSecret,
			})

		rows, err := sourceRows(registry, config.Metadata.Source)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderSources(rows, config.Metadata.Source))
		return nil
	},
}

var sourceCredentials = map[string]string{
	catalog.SourceLastFM:  "LASTFM_API_KEY",
	catalog.SourceDiscogs: "DISCOGS_TOKEN",
	catalog.SourceSpotify: flagToEnvVar("spotify-client-id") + ", " + flagToEnvVar("spotify-client-secret"),
}

// sourceRows describes every registered catalog relative to the selected
// metadata source.
func sourceRows(registry *catalog.Registry, selected string) ([][]string, error) {
	active, err := registry.Order(selected)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool, len(active))
	for _, m := range active {
		inUse[m.Name()] = true
	}

	rows := make([][]string, 0, len(registry.Names()))
	for i, name := range registry.Names() {
		m, _ := registry.Get(name)
		creds := sourceCredentials[name]
		if creds == "" {
			creds = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			name,
			yesNo(catalog.IsConfigured(m)),
			yesNo(inUse[name]),
			creds,
		})
	}
	return rows, nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

var sourceHeader = table.Row{"#", "Source", "Configured", "Selected", "Credentials"}

// renderSources draws the rows produced by sourceRows. Headers keep their
// case and the position column is right aligned.
func renderSources(rows [][]string, selected string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.AppendHeader(sourceHeader)

	for _, row := range rows {
		r := make(table.Row, len(sourceHeader))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignRight},
	})
	tw.SetCaption("metadata source: %s", selected)

	return tw.Render()
}
