package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/credential"
	"github.com/loqalabs/loqa-captions/internal/language"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/recognition/deepgram"
	"github.com/loqalabs/loqa-captions/internal/session"
	"github.com/spf13/cobra"
)

var (
	backend    string
	locale     string
	recordPath string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Transcribe the microphone in one language",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd, func(cfg config.Config) (recognition.Mode, error) {
			lang := locale
			if lang == "" {
				lang = cfg.Client.Language
			}
			return recognition.Transcribe{Language: lang}, nil
		})
	},
}

var translateCmd = &cobra.Command{
	Use:   "translate <pattern>",
	Short: "Transcribe the microphone and translate into every other language",
	Long:  `Run a translation session for one of the patterns listed by "loqa-captions languages".`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLive(cmd, func(config.Config) (recognition.Mode, error) {
			p, ok := language.PatternByID(args[0])
			if !ok {
				return nil, fmt.Errorf("unknown translation pattern %q", args[0])
			}
			return recognition.TranslationPattern(p), nil
		})
	},
}

var converseCmd = &cobra.Command{
	Use:   "converse <file.wav>",
	Short: "Transcribe a recorded conversation with speaker labels",
	Args:  cobra.ExactArgs(1),
	RunE:  runConverse,
}

func init() {
	for _, cmd := range []*cobra.Command{listenCmd, translateCmd, converseCmd} {
		cmd.Flags().StringVar(&backend, "backend", "", "Recognition backend (bus or deepgram)")
	}
	listenCmd.Flags().StringVarP(&locale, "language", "l", "", "Recognition locale, e.g. ja-JP")
	converseCmd.Flags().StringVarP(&locale, "language", "l", "", "Recognition locale, e.g. ja-JP")
	for _, cmd := range []*cobra.Command{listenCmd, translateCmd} {
		cmd.Flags().StringVarP(&recordPath, "record", "r", "", "Record the microphone to this WAV file")
	}
}

// client bundles what a captions session needs and tears it down in order.
type client struct {
	cfg      config.Config
	log      *slog.Logger
	hub      *capture.Hub
	dialer   recognition.Dialer
	closers  []func()
	renderer *renderer
}

func (c *client) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func newClient(ctx context.Context, cmd *cobra.Command, microphone bool) (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if backend != "" {
		cfg.Client.Backend = backend
	}
	log := newLogger()
	c := &client{cfg: cfg, log: log, renderer: newRenderer(cmd.OutOrStdout())}

	if microphone {
		c.hub = capture.NewHub(capture.NewPortAudioDevice(), cfg.Capture.SampleRate, cfg.Capture.FrameSize, log)
	}

	switch cfg.Client.Backend {
	case "deepgram":
		d, err := deepgram.NewDialer(cfg.Client.DeepgramAPIKey, c.hub, log)
		if err != nil {
			return nil, err
		}
		c.dialer = d
	case "bus":
		fetcher := credential.NewFetcher(cfg.Client, nil)
		if _, err := fetcher.Credential(ctx); err != nil {
			return nil, err
		}
		conn, err := bus.Connect(ctx, "loqa-captions", cfg.Bus, log)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, conn.Close)
		d, err := recognition.NewBusDialer(recognition.BusOptions{
			Conn:        conn.Conn(),
			Hub:         c.hub,
			Credentials: fetcher,
			FrameSize:   cfg.Capture.FrameSize,
			OpenTimeout: time.Duration(cfg.Client.OpenTimeoutMS) * time.Millisecond,
			Logger:      log,
		})
		if err != nil {
			c.close()
			return nil, err
		}
		c.dialer = d
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Client.Backend)
	}
	return c, nil
}

func (c *client) controller(failed chan<- error) (*session.Controller, error) {
	var rec session.Capture
	if c.hub != nil {
		rec = capture.NewRecorder(c.hub)
	}
	return session.NewController(session.Options{
		Dialer:   c.dialer,
		Capture:  rec,
		Logger:   c.log,
		OnChange: c.renderer.render,
		OnError: func(err error) {
			var serr *session.SessionError
			if errors.As(err, &serr) && serr.Op == "recognize" {
				select {
				case failed <- err:
				default:
				}
				return
			}
			c.log.Warn("captions error", slog.String("error", err.Error()))
		},
	})
}

func runLive(cmd *cobra.Command, modeFor func(config.Config) (recognition.Mode, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer c.close()

	mode, err := modeFor(c.cfg)
	if err != nil {
		return err
	}
	return c.live(ctx, mode, recordPath)
}

// live runs one session until ctx is done or the session fails. The
// controller is always closed, so a dialed session never outlives it.
func (c *client) live(ctx context.Context, mode recognition.Mode, recordTo string) error {
	failed := make(chan error, 1)
	ctrl, err := c.controller(failed)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.Close(closeCtx); err != nil {
			c.log.Warn("failed to close session", slog.String("error", err.Error()))
		}
	}()
	if err := ctrl.Configure(ctx, mode); err != nil {
		return err
	}
	if err := ctrl.Start(ctx, session.StartOptions{Record: recordTo != ""}); err != nil {
		return err
	}
	c.renderer.status(fmt.Sprintf("listening (%s, %s); press Ctrl-C to stop", mode.Kind(), mode.Locale()))

	var sessionErr error
	select {
	case <-ctx.Done():
	case sessionErr = <-failed:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	recording, err := ctrl.Stop(stopCtx)
	if err != nil && sessionErr == nil {
		sessionErr = err
	}
	c.renderer.flush()
	if recording != nil && recordTo != "" {
		if err := writeRecording(recording, recordTo); err != nil {
			return err
		}
	}
	return sessionErr
}

func runConverse(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer c.close()

	lang := locale
	if lang == "" {
		lang = c.cfg.Client.Language
	}
	failed := make(chan error, 1)
	ctrl, err := c.controller(failed)
	if err != nil {
		return err
	}
	defer ctrl.Close(context.Background())

	if err := ctrl.Configure(ctx, recognition.ConversationTranscribe{AudioFile: args[0], Language: lang}); err != nil {
		return err
	}
	if err := ctrl.Start(ctx, session.StartOptions{}); err != nil {
		return err
	}
	c.renderer.status("transcribing " + filepath.Base(args[0]))
	if _, err := ctrl.Stop(ctx); err != nil {
		return err
	}
	c.renderer.flush()
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

func writeRecording(rec *session.Recording, path string) error {
	name := rec.FileName(strings.TrimSpace(path))
	if err := os.WriteFile(name, rec.Data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	fmt.Fprintf(os.Stderr, "recording saved to %s\n", name)
	return nil
}
