package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/segfetch/segfetch/internal/certgate"
	"github.com/segfetch/segfetch/internal/config"
	"github.com/segfetch/segfetch/internal/httppool"
	"github.com/segfetch/segfetch/internal/idgen"
	"github.com/segfetch/segfetch/internal/logging"
	"github.com/segfetch/segfetch/internal/mirror"
	"github.com/segfetch/segfetch/internal/model"
	"github.com/segfetch/segfetch/internal/orchestrator"
	"github.com/segfetch/segfetch/internal/ratelimit"
	"github.com/segfetch/segfetch/internal/scheduler"
	"github.com/segfetch/segfetch/internal/store"
)

var (
	outputDir  string
	outputName string
	rateLimit  string
	mirrorURLs []string
	checksum   string
	checksumAlgo string
	quiet      bool
	proxyURL   string
	debug      bool
	logLevel   string
	logFile    string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:     "segfetch [OPTIONS] <URL>",
	Short:   "Resumable, segmented, mirror-aware HTTP(S) downloader",
	Version: "v1.0.0",
	Long: `segfetch splits a download across concurrent byte-range segments,
persists progress so it survives a crash or pause, and fails over
between mirrors when one goes unhealthy mid-transfer.

Examples:
  segfetch https://example.com/file.iso
  segfetch -o /data -r 5M --mirror https://mirror1/file.iso https://example.com/file.iso`,
	Args: cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.LoadFromEnv()
		if debug {
			cfg.EnableDebug = true
			cfg.LogLevel = "debug"
		}
		if quiet {
			cfg.QuietMode = true
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if logFile != "" {
			cfg.LogFile = logFile
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if err := logging.Init(cfg); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	RunE: runDownload,
}

func init() {
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Destination directory")
	rootCmd.Flags().StringVarP(&outputName, "name", "n", "", "Override the destination filename")
	rootCmd.Flags().StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit per download (e.g. 5M)")
	rootCmd.Flags().StringArrayVar(&mirrorURLs, "mirror", nil, "Additional mirror URL (repeatable)")
	rootCmd.Flags().StringVar(&checksum, "checksum", "", "Expected checksum to verify against")
	rootCmd.Flags().StringVar(&checksumAlgo, "checksum-algo", "sha256", "Checksum algorithm: md5 or sha256")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress bar")
	rootCmd.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	rootCmd.Flags().StringVar(&dbPath, "db", "segfetch.db", "Path to the persistence database")
}

func Execute() error {
	return rootCmd.Execute()
}

func runDownload(cmd *cobra.Command, args []string) error {
	url := args[0]

	var rateBytes int64
	if rateLimit != "" {
		parsed, err := config.ParseRate(rateLimit)
		if err != nil {
			return fmt.Errorf("invalid rate limit: %w", err)
		}
		rateBytes = parsed
	}

	algo := model.ChecksumAlgo(strings.ToLower(checksumAlgo))
	if checksum != "" && algo != model.ChecksumMD5 && algo != model.ChecksumSHA256 {
		return fmt.Errorf("unsupported checksum algorithm: %s", checksumAlgo)
	}

	name := outputName
	if name == "" {
		name = filepath.Base(url)
	}

	cfg := config.Default()
	cfg.LoadFromEnv()
	cfg.ProxyURL = proxyURL

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer st.Close()

	gate := certgate.New()
	gate.Strict = cfg.CertStrict
	pool := httppool.New(cfg, gate, cfg.ProxyURL)
	registry := mirror.New(&http.Client{Timeout: 10 * time.Second}, st, idgen.New)
	global := ratelimit.NewGlobalLimiter(0)
	orch := orchestrator.New(cfg, st, pool, registry, global, os.TempDir())
	sched := scheduler.New(cfg, st, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Get().Info("received shutdown signal, cancelling")
		cancel()
	}()

	if err := sched.Recover(ctx); err != nil {
		logging.Get().Warn("startup recovery pass failed: %v", err)
	}

	id, err := sched.Submit(ctx, model.Request{
		URL: url, MirrorURLs: mirrorURLs, Filename: name, Directory: outputDir,
		Checksum: checksum, ChecksumAlgo: algo, SpeedLimit: rateBytes,
	})
	if err != nil {
		return fmt.Errorf("submit download: %w", err)
	}

	var bar *pb.ProgressBar
	progressCh, err := waitForObservable(ctx, sched, id)
	if err == nil && progressCh != nil {
		for p := range progressCh {
			if quiet {
				continue
			}
			if bar == nil && p.TotalBytes > 0 {
				bar = pb.Full.Start64(p.TotalBytes)
			}
			if bar != nil {
				bar.SetCurrent(p.DownloadedBytes)
			}
		}
		if bar != nil {
			bar.Finish()
		}
	}

	d, _, err := sched.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("read final status: %w", err)
	}
	if d.Status != model.StatusCompleted {
		return fmt.Errorf("download did not complete: status=%s error=%s", d.Status, d.ErrorMessage)
	}

	fmt.Printf("saved to %s\n", filepath.Join(outputDir, name))
	return nil
}

// waitForObservable polls until the scheduler has a running session to
// observe (submission is asynchronous) or the context is cancelled.
func waitForObservable(ctx context.Context, sched *scheduler.Scheduler, id string) (<-chan model.Progress, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ch, err := sched.Observe(id); err == nil {
			return ch, nil
		}
		if d, _, err := sched.Status(ctx, id); err == nil && terminal(d.Status) {
			return nil, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func terminal(s model.DownloadStatus) bool {
	switch s {
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		return true
	default:
		return false
	}
}
