package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"example.com/resume_bridge/pkg/device"
	"example.com/resume_bridge/pkg/history"
	"example.com/resume_bridge/pkg/sections"
)

func (a *app) registerDevices(cmd *kingpin.Application) {
	cmd.Command("devices", "List input devices.").
		Action(func(*kingpin.ParseContext) error {
			sel, err := device.NewPortAudioSelector(device.SelectorConfig{})
			if err != nil {
				return err
			}
			defer func() { _ = sel.Close() }()

			inputs, err := sel.Inputs()
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return device.ErrNoDevices
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEFAULT\tNAME\tHOST API\tCHANNELS\tRATE")
			for _, in := range inputs {
				def := ""
				if in.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\n", def, in.Name, in.HostAPI, in.Channels, in.SampleRate)
			}
			return w.Flush()
		})
}

func (a *app) registerSections(cmd *kingpin.Application) {
	var url string
	c := cmd.Command("sections", "Show the preset section list of the gateway.").
		Action(func(*kingpin.ParseContext) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.Gateway.SectionsURL
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			list, err := sections.Load(ctx, nil, url)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Name)
			}
			return w.Flush()
		})
	c.Flag("url", "Section list URL, defaults to the configured one.").
		StringVar(&url)
}

func (a *app) registerHistory(cmd *kingpin.Application) {
	var limit int
	var sessionID string
	c := cmd.Command("history", "List completed sessions.").
		Action(func(*kingpin.ParseContext) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			if sessionID != "" {
				e, err := store.Get(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSON(e)
			}

			entries, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COMPLETED\tSESSION\tSECTION\tCHANNELS\tRECORDED\tTRANSCRIPT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.CompletedAt.Local().Format(time.DateTime),
					e.SessionID, e.SectionID, len(e.URL),
					e.RecordTime.Round(time.Second), abbreviate(e.Transcript, 40))
			}
			return w.Flush()
		})
	c.Flag("limit", "Maximum number of sessions.").
		Default("20").
		IntVar(&limit)
	c.Flag("session", "Show one session in full.").
		StringVar(&sessionID)
	c.Flag("history", "SQLite file keeping completed sessions.").
		StringVar(&a.configFromFlags.HistoryPath)
}

func abbreviate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
