package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/petems/micstream/internal/app"
	"github.com/petems/micstream/internal/audio"
	"github.com/petems/micstream/internal/audio/pa"
	"github.com/petems/micstream/internal/config"
	"github.com/petems/micstream/internal/logging"
	"github.com/petems/micstream/internal/micstream"
	"github.com/petems/micstream/internal/permissions"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture audio until stopped",
		Long: `Capture audio until interrupted, --duration elapses or "q" is entered.
Enter "p" to pause or resume; audio captured while paused is discarded.`,
		RunE: runRecord,
	}

	f := cmd.Flags()
	f.String("device", "", "input device name (default input device when empty)")
	f.Float64("tone", 0, "record a synthetic sine tone of this frequency instead of a device")
	f.Int("sample-rate", 0, "sample rate in Hz")
	f.Int("channels", 0, "channels to open on the device; only the first is written")
	f.Int("buffer-size", 0, "frames per captured buffer")
	f.Int("queue-size", 0, "chunks held for a slow output before dropping")
	f.Bool("objects", false, "write one JSON line per frame instead of raw samples")
	f.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	f.StringP("output", "o", "-", `output file, "-" for stdout`)
	f.String("format-file", "", "write the stream format as JSON to this file")
	f.Bool("save-config", false, "persist the audio flags to the config file")
	return cmd
}

// applyFlags overrides config values with the flags the user set
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, fn func()) {
		if err == nil && flags.Changed(name) {
			fn()
		}
	}

	set("log-level", func() { cfg.LogLevel, err = flags.GetString("log-level") })
	set("device", func() { cfg.Audio.DeviceID, err = flags.GetString("device") })
	set("sample-rate", func() { cfg.Audio.SampleRate, err = flags.GetInt("sample-rate") })
	set("channels", func() { cfg.Audio.Channels, err = flags.GetInt("channels") })
	set("buffer-size", func() { cfg.Audio.BufferSize, err = flags.GetInt("buffer-size") })
	set("queue-size", func() { cfg.Audio.QueueSize, err = flags.GetInt("queue-size") })
	set("objects", func() { cfg.Audio.ObjectMode, err = flags.GetBool("objects") })
	return err
}

func runRecord(cmd *cobra.Command, args []string) (err error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	if save, _ := cmd.Flags().GetBool("save-config"); save {
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		log.Info().Str("path", cfg.Path()).Msg("Config saved")
	}

	tone, _ := cmd.Flags().GetFloat64("tone")
	newGraph, open := deviceBackend(cfg.Audio)
	if tone > 0 {
		newGraph, open = toneBackend(cfg.Audio, tone)
	} else {
		// Acquiring a microphone is gated by the OS on macOS
		permCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		err := permissions.EnsureMicrophone(permCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("microphone access: %w", err)
		}
	}

	output, _ := cmd.Flags().GetString("output")
	out, closeOut, err := openOutput(cmd, output)
	if err != nil {
		return err
	}
	defer func() {
		// A failed final flush loses the tail of the recording
		if cerr := closeOut(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	appCfg := app.Config{
		Open:     open,
		NewGraph: newGraph,
		Config:   cfg,
		Logger:   log,
	}
	if cfg.Audio.ObjectMode {
		appCfg.Frames = app.NewJSONFrameWriter(out)
	} else {
		appCfg.Sink = out
	}
	if formatFile, _ := cmd.Flags().GetString("format-file"); formatFile != "" {
		appCfg.OnFormat = func(f micstream.Format) {
			if err := writeFormat(formatFile, f); err != nil {
				log.Error().Err(err).Msg("Failed to write format file")
			}
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	recorder := app.New(appCfg)
	if err := recorder.Start(ctx); err != nil {
		return err
	}

	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		timer := time.AfterFunc(d, func() { recorder.Stop() })
		defer timer.Stop()
	}

	go readCommands(cmd.InOrStdin(), recorder, log)

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		log.Info().Msg("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := recorder.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
	}()

	err = recorder.Wait()
	stats := recorder.Stats()
	log.Info().
		Int("chunks", stats.Chunks).
		Int64("bytes", stats.Bytes).
		Uint64("dropped", stats.Dropped).
		Msg("Recording finished")
	return err
}

func deviceBackend(cfg config.AudioConfig) (func() (audio.Graph, error), app.Opener) {
	newGraph := func() (audio.Graph, error) {
		return pa.NewGraph(cfg)
	}
	open := func(deviceID string) (audio.Source, error) {
		return pa.Open(deviceID, cfg.Channels)
	}
	return newGraph, open
}

func toneBackend(cfg config.AudioConfig, frequency float64) (func() (audio.Graph, error), app.Opener) {
	newGraph := func() (audio.Graph, error) {
		return audio.NewToneGraph(cfg.SampleRate), nil
	}
	open := func(string) (audio.Source, error) {
		return &audio.ToneSource{Frequency: frequency, Channels: cfg.Channels}, nil
	}
	return newGraph, open
}

func openOutput(cmd *cobra.Command, name string) (io.Writer, func() error, error) {
	if name == "" || name == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	w := bufio.NewWriter(f)
	return w, func() error {
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("flush output: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close output: %w", err)
		}
		return nil
	}, nil
}

func writeFormat(path string, f micstream.Format) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type command int

const (
	cmdNone command = iota
	cmdToggle
	cmdQuit
)

func parseCommand(line string) command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "p", "pause", "resume":
		return cmdToggle
	case "q", "quit", "stop":
		return cmdQuit
	}
	return cmdNone
}

// readCommands handles interactive input until it ends or the user quits
func readCommands(in io.Reader, recorder *app.App, log zerolog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch parseCommand(scanner.Text()) {
		case cmdToggle:
			recorder.Toggle()
			log.Info().Str("state", recorder.State().String()).Msg("Toggled")
		case cmdQuit:
			recorder.Stop()
			return
		}
	}
}
