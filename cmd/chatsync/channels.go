package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sitecrm/chatsync"
)

var (
	channelsPage int
	channelsJSON bool
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.Flags().IntVar(&channelsPage, "page", 1, "page of the channel list")
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "output as JSON")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels by most recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireSession()
		if err != nil {
			return err
		}
		api := newAPIClient(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		page, err := api.ListChannels(ctx, channelsPage, chatsync.DefaultChannelPageSize)
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		chans := make([]chatsync.Channel, 0, len(page.Channels))
		for _, raw := range page.Channels {
			chans = append(chans, chatsync.MapChannel(raw, cfg.Auth.UserID))
		}

		if channelsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(chans)
		}
		printChannels(chans, time.Now())
		fmt.Printf("\npage %d, %d of %s channel(s)\n", channelsPage, len(chans), humanize.Comma(int64(page.Total)))
		return nil
	},
}

func printChannels(chans []chatsync.Channel, now time.Time) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tUNREAD\tLAST ACTIVITY")
	for _, c := range chans {
		last := "-"
		if c.LastMessage != nil && !c.LastMessage.At.IsZero() {
			last = humanize.RelTime(c.LastMessage.At, now, "ago", "from now")
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = humanize.Comma(int64(c.UnreadCount))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.Type, c.Name, unread, last)
	}
	w.Flush()
}
