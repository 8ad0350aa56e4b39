package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alxayo/go-looprec/internal/circular"
	"github.com/alxayo/go-looprec/internal/logger"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// recording.Config so main.go can validate and map.
type cliConfig struct {
	maxFrames      int
	fps            int
	gopSecs        int
	bufferSecs     int
	maxFreeBuffers int
	blockSize      int
	fixKeyFrames   bool

	recordDir   string
	input       string
	realtime    bool
	triggerDir  string
	rtpAddr     string
	stopTimeout time.Duration

	statsInterval time.Duration
	hookStdio     string
	hookWebhooks  []string
	hookShells    []string
	hookTimeout   time.Duration

	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("looprec", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var webhooks, shells stringSliceFlag

	fs.IntVar(&cfg.maxFrames, "max-frames", 0, "Frames kept in the loop buffer (0 = derived from -fps, -gop-secs and -buffer-secs)")
	fs.IntVar(&cfg.fps, "fps", 30, "Input frame rate")
	fs.IntVar(&cfg.gopSecs, "gop-secs", 1, "Key frame interval of the input in seconds")
	fs.IntVar(&cfg.bufferSecs, "buffer-secs", 10, "Minimum seconds of video kept before a recording starts")
	fs.IntVar(&cfg.maxFreeBuffers, "max-free-buffers", 30, "Idle buffers retained by the buffer pool")
	fs.IntVar(&cfg.blockSize, "block-size", circular.DefaultBlockSize, "Allocation granularity for buffered frames in bytes")
	fs.BoolVar(&cfg.fixKeyFrames, "fix-keyframes", false, "Force a key frame flag every -fps*-gop-secs frames (encoders that flag only the first IDR)")
	fs.StringVar(&cfg.recordDir, "record-dir", "recordings", "Directory to write FLV recordings")
	fs.StringVar(&cfg.input, "input", "", "FLV file to read frames from (empty = synthetic generator)")
	fs.BoolVar(&cfg.realtime, "realtime", true, "Pace input frames by their timestamps")
	fs.StringVar(&cfg.triggerDir, "trigger-dir", "", "Directory watched for 'start', 'stop' and 'toggle' trigger files")
	fs.StringVar(&cfg.rtpAddr, "rtp-addr", "", "UDP host:port receiving recorded frames as RTP (H.264)")
	fs.DurationVar(&cfg.stopTimeout, "stop-timeout", 5*time.Second, "Upper bound for stopping a recording")
	fs.DurationVar(&cfg.statsInterval, "stats-interval", 10*time.Second, "Interval for statistics logs (0 disables)")
	fs.StringVar(&cfg.hookStdio, "hook-stdio", "", "Print events to stderr: json|env")
	fs.Var(&webhooks, "hook-webhook", "Webhook URL receiving events (can be specified multiple times)")
	fs.Var(&shells, "hook-shell", "Script run on every event (can be specified multiple times)")
	fs.DurationVar(&cfg.hookTimeout, "hook-timeout", 30*time.Second, "Timeout for a single hook execution")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug|info|warn|error (default from LOOPREC_LOG_LEVEL, else info)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.hookWebhooks = webhooks
	cfg.hookShells = shells

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.maxFrames == 0 {
		cfg.maxFrames = circular.NeededFrames(cfg.fps, cfg.gopSecs, cfg.bufferSecs)
	}
	return cfg, nil
}

func (c *cliConfig) validate() error {
	if c.fps <= 0 || c.gopSecs <= 0 || c.bufferSecs <= 0 {
		return errors.New("fps, gop-secs and buffer-secs must be positive")
	}
	if c.maxFrames < 0 {
		return errors.New("max-frames must not be negative")
	}
	if c.maxFreeBuffers <= 0 {
		return errors.New("max-free-buffers must be positive")
	}
	if c.blockSize <= 0 {
		return errors.New("block-size must be positive")
	}
	if c.stopTimeout <= 0 || c.hookTimeout <= 0 {
		return errors.New("stop-timeout and hook-timeout must be positive")
	}
	if c.statsInterval < 0 {
		return errors.New("stats-interval must not be negative")
	}

	if _, err := logger.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}

	switch c.hookStdio {
	case "", "json", "env":
	default:
		return fmt.Errorf("invalid hook-stdio %q", c.hookStdio)
	}

	if c.rtpAddr != "" {
		if _, _, err := net.SplitHostPort(c.rtpAddr); err != nil {
			return fmt.Errorf("invalid rtp-addr %q: %w", c.rtpAddr, err)
		}
	}

	for _, u := range c.hookWebhooks {
		if err := validateWebhookURL(u); err != nil {
			return fmt.Errorf("invalid hook-webhook %q: %w", u, err)
		}
	}
	for _, s := range c.hookShells {
		if strings.TrimSpace(s) == "" {
			return errors.New("hook-shell must not be empty")
		}
	}
	return nil
}

// stringSliceFlag implements flag.Value for repeatable string flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func validateWebhookURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("URL must use http:// or https://, got %q", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
