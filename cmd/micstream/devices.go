package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/petems/micstream/internal/audio"
	"github.com/petems/micstream/internal/audio/pa"
	"github.com/petems/micstream/internal/config"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Device enumeration needs PortAudio initialized
			graph, err := pa.NewGraph(cfg.Audio)
			if err != nil {
				return err
			}
			defer graph.Close()

			devices, err := pa.ListDevices()
			if err != nil {
				return err
			}
			renderDevices(cmd.OutOrStdout(), devices, cfg.Audio.DeviceID)
			return nil
		},
	}
}

func renderDevices(w io.Writer, devices []audio.AudioDevice, selected string) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No input devices found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Channels", "Default", "Selected"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, d := range devices {
		table.Append([]string{
			d.Name,
			strconv.Itoa(d.Channels),
			mark(d.Default),
			mark(d.ID == selected || (selected == "" && d.Default)),
		})
	}

	table.Render()
}

func mark(b bool) string {
	if b {
		return "*"
	}
	return ""
}
