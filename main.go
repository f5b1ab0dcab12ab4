package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eufybridge/config"
	"eufybridge/httpServer"
	"eufybridge/internal/camera"
	"eufybridge/internal/devicemanager"
	"eufybridge/internal/feeder"
	"eufybridge/internal/logging"
	"eufybridge/internal/metrics"
	"eufybridge/internal/snapshot"
	"eufybridge/internal/storage"
	"eufybridge/internal/transcoder"
	"eufybridge/internal/upstream"
	"eufybridge/pkg/models"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "eufybridge",
		Short:         "Bridge Eufy Security cameras to HLS and RTSP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eufybridge %s\n", version)
		},
	})
	return root
}

func serve(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		return err
	}
	log := logging.For("main")
	log.Infof("Starting eufybridge %s", version)
	log.Infof("HTTP Server: %s", cfg.HTTPAddr)
	log.Infof("Upstream: %s", cfg.UpstreamURL)

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize snapshot storage
	store, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.HLSDir, 0755); err != nil {
		return errors.Wrap(err, "create hls dir")
	}

	// Register configured cameras
	manager := devicemanager.New(m)
	for _, cam := range cfg.Cameras {
		if err := manager.Register(models.NewDevice(cam.Serial, cam.Name, cam.Model, nil)); err != nil {
			return err
		}
	}
	log.Infof("%d cameras registered", manager.Count())

	client := upstream.New(upstream.Config{
		URL:               cfg.UpstreamURL,
		Serials:           cfg.Serials(),
		SyncInterval:      cfg.UpstreamSyncInterval,
		ReconnectInterval: cfg.UpstreamReconnectInterval,
	}, manager, m, logging.For("upstream"))

	snapshots := snapshot.NewService(snapshot.NewFFmpegGrabber(cfg.FFmpegBinary), nil, store, m, logging.For("snapshot"))

	cameras := make([]*camera.Camera, 0, manager.Count())
	for _, device := range manager.List() {
		cameras = append(cameras, camera.New(device, camera.Deps{
			Manager:    manager,
			Upstream:   client,
			Transcoder: transcoder.New(cfg.FFmpegBinary, logging.For("transcoder").WithField("serial", device.SerialNumber)),
			Imager:     snapshots,
			Metrics:    m,
			Log:        logging.For("camera"),
		}, camera.Options{
			Output:          outputFor(cfg, device.SerialNumber),
			AnalyzeDuration: cfg.AnalyzeDuration,
			AutoStart:       cfg.AutoStart,
			PollAttempts:    cfg.PollAttempts,
			PollInterval:    cfg.PollInterval,
			Feeder: feeder.Config{
				Interval:  cfg.FeederInterval,
				IdleLimit: cfg.FeederIdleLimit,
			},
		}))
	}
	pool := camera.NewPool(cameras...)

	httpSrv := httpServer.New(pool, m, reg, cfg.HLSDir, logging.For("http"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(ctx)
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		return httpSrv.Run(ctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		// Resume streams once the initial device state is known
		select {
		case <-client.Synced():
			log.Info("upstream synced - catching up")
			pool.CatchUp(ctx)
		case <-ctx.Done():
		}
		return nil
	})

	err = g.Wait()
	log.Info("eufybridge stopped")
	return err
}

func newStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (storage.Store, error) {
	if cfg.StorageType == config.StorageGCS {
		gcs, err := storage.NewGCSStore(ctx, cfg.GCSProjectID, cfg.GCSBucket, cfg.GCSBaseDir)
		if err != nil {
			return nil, errors.Wrap(err, "initialize gcs storage")
		}
		log.Infof("Storage initialized: GCS bucket=%s, project=%s, baseDir=%s",
			cfg.GCSBucket, cfg.GCSProjectID, cfg.GCSBaseDir)
		return gcs, nil
	}

	local, err := storage.NewLocalStore(cfg.StorageDir)
	if err != nil {
		return nil, errors.Wrap(err, "initialize local storage")
	}
	log.Infof("Storage initialized: Local directory=%s", cfg.StorageDir)
	return local, nil
}

// outputFor picks where a camera's P2P sessions are transcoded to
func outputFor(cfg *config.Config, serial string) transcoder.Output {
	if cfg.RTSPUseAddon {
		return transcoder.RTSPOutput(cfg.RTSPAddress, cfg.RTSPPort, serial)
	}
	return transcoder.PlaylistOutput(cfg.HLSDir, serial)
}
