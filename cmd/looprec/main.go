package main

import (
	"context"
	stdErrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	lrerrors "github.com/alxayo/go-looprec/internal/errors"
	"github.com/alxayo/go-looprec/internal/hooks"
	"github.com/alxayo/go-looprec/internal/logger"
	"github.com/alxayo/go-looprec/internal/media"
	"github.com/alxayo/go-looprec/internal/recording"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// the flag package prints parse errors itself, not validation errors
		if !stdErrors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if cfg.logLevel != "" {
		if err := logger.SetLevel(cfg.logLevel); err != nil {
			fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
		}
	}
	log := logger.WithComponent(logger.Logger(), "cli")

	if err := run(cfg, log); err != nil {
		log.Error("looprec failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *cliConfig, log *slog.Logger) error {
	hm, err := newHookManager(cfg)
	if err != nil {
		return err
	}
	defer hm.Close()

	var rtpConn net.Conn
	if cfg.rtpAddr != "" {
		rtpConn, err = net.Dial("udp", cfg.rtpAddr)
		if err != nil {
			return fmt.Errorf("rtp output: %w", err)
		}
		defer rtpConn.Close()
	}

	rcfg := recording.Config{
		MaxFrames:      cfg.maxFrames,
		MaxFreeBuffers: cfg.maxFreeBuffers,
		BlockSize:      cfg.blockSize,
		RecordDir:      cfg.recordDir,
		StopTimeout:    cfg.stopTimeout,
		Hooks:          hm,
		Logger:         logger.Logger(),
	}
	if rtpConn != nil {
		rcfg.RTPWriter = rtpConn
	}
	if cfg.fixKeyFrames {
		rcfg.FixupFPS, rcfg.FixupIntervalSecs = cfg.fps, cfg.gopSecs
	}
	ctrl, err := recording.New(rcfg)
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(cfg)
	if err != nil {
		ctrl.Close()
		return err
	}
	defer closeSrc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands := make(chan command, 4)
	if len(toggleSignals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, toggleSignals...)
		defer signal.Stop(sigs)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-sigs:
					select {
					case commands <- cmdToggle:
					default:
					}
				}
			}
		}()
	}
	if cfg.triggerDir != "" {
		tw, err := newTriggerWatcher(cfg.triggerDir, log)
		if err != nil {
			ctrl.Close()
			return err
		}
		go tw.run(ctx, commands)
	}

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- pump(ctx, src, ctrl, cfg.realtime) }()

	var ticks <-chan time.Time
	if cfg.statsInterval > 0 {
		ticker := time.NewTicker(cfg.statsInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	log.Info("looprec started",
		"version", version,
		"max_frames", cfg.maxFrames,
		"record_dir", cfg.recordDir,
		"input", cfg.input,
		"trigger_dir", cfg.triggerDir,
		"rtp_addr", cfg.rtpAddr)

	var inputErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			break loop
		case err := <-pumpErr:
			inputErr = err
			attrs := []any{"error", err}
			if r, ok := src.(*media.FLVReader); ok {
				attrs = append(attrs, "video_codec", r.Codec(), "skipped_tags", r.Skipped())
			}
			log.Info("input finished", attrs...)
			break loop
		case cmd := <-commands:
			handleCommand(ctx, ctrl, cmd, log)
		case <-ticks:
			ctrl.LogStats()
		}
	}
	stop()

	// Close may block on a stuck sink; bound it like the stop itself.
	done := make(chan error, 1)
	go func() { done <- ctrl.Close() }()
	select {
	case err := <-done:
		if err != nil {
			log.Error("controller close error", "error", err)
		} else {
			log.Info("stopped cleanly")
		}
	case <-time.After(cfg.stopTimeout + time.Second):
		log.Error("forced exit after timeout")
	}
	return inputErr
}

func handleCommand(ctx context.Context, ctrl *recording.Controller, cmd command, log *slog.Logger) {
	if cmd == cmdToggle {
		if _, ok := ctrl.Recording(); ok {
			cmd = cmdStop
		} else {
			cmd = cmdStart
		}
	}

	switch cmd {
	case cmdStart:
		id, err := ctrl.Start()
		if err != nil {
			log.Warn("start recording failed", "error", err)
			return
		}
		log.Info("recording requested", "session_id", id)
	case cmdStop:
		err := ctrl.Stop(ctx)
		switch {
		case err == nil:
		case lrerrors.IsTimeout(err):
			log.Warn("recording stop still pending", "error", err)
		default:
			log.Warn("stop recording failed", "error", err)
		}
	}
}

func newHookManager(cfg *cliConfig) (*hooks.HookManager, error) {
	hcfg := hooks.DefaultHookConfig()
	hcfg.Timeout = cfg.hookTimeout.String()
	hcfg.StdioFormat = cfg.hookStdio
	hm := hooks.NewHookManager(hcfg, logger.Logger())

	for i, u := range cfg.hookWebhooks {
		if err := hm.RegisterAll(hooks.NewWebhookHook(fmt.Sprintf("webhook-%d", i), u, cfg.hookTimeout)); err != nil {
			return nil, err
		}
	}
	for i, script := range cfg.hookShells {
		if err := hm.RegisterAll(hooks.NewShellHook(fmt.Sprintf("shell-%d", i), script).SetPassJSON(true)); err != nil {
			return nil, err
		}
	}
	return hm, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openSource returns the FLV file reader named by -input or the synthetic
// generator.
func openSource(cfg *cliConfig) (frameSource, io.Closer, error) {
	if cfg.input == "" {
		return newGeneratorSource(cfg.fps, cfg.gopSecs), nopCloser{}, nil
	}
	f, err := os.Open(cfg.input)
	if err != nil {
		return nil, nil, fmt.Errorf("input: %w", err)
	}
	return media.NewFLVReader(f), f, nil
}
