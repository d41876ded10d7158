package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpaca-camera/pkg/alpaca"
	"alpaca-camera/pkg/config"
	"alpaca-camera/pkg/drivers/camera_simulator"
	"alpaca-camera/pkg/drivers/mqtt_camera"
	"alpaca-camera/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

const version = "1.0"

type cameraDriver interface {
	alpaca.CameraDriver
	io.Closer
}

// newDriver creates the driver declared for dev.
func newDriver(dev config.DeviceConfig, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) (cameraDriver, error) {
	switch dev.Driver {
	case config.DriverSimulator:
		return camera_simulator.NewSimulator(dev.Number, db, tmpl, logger)
	case config.DriverMQTT:
		return mqtt_camera.NewDriver(dev.Number, db, tmpl, logger)
	}
	return nil, fmt.Errorf("unknown driver %q", dev.Driver)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.Bool("no-discovery") {
		cfg.Discovery.Enabled = false
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Infof("%s %s", cfg.Server.Name, version)

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := alpaca.NewStore(db, alpaca.Config{
		ServerName: cfg.Server.Name,
		Location:   cfg.Server.Location,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	devices := make([]alpaca.Device, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		logger := log.WithField("device", fmt.Sprintf("camera%d", dev.Number))

		driver, err := newDriver(dev, db, tmpl, logger)
		if err != nil {
			return fmt.Errorf("failed to create %s camera %d: %v", dev.Driver, dev.Number, err)
		}
		defer driver.Close()

		info := alpaca.DeviceInfo{
			Name:        dev.Name,
			Description: dev.Description,
			Number:      dev.Number,
			UniqueID:    dev.UniqueID,
		}
		devices = append(devices, alpaca.NewCamera(info, driver, logger, alpaca.WithAbortTimeout(cfg.AbortTimeout())))
	}

	serverDesc := alpaca.ServerDescription{
		Name:                cfg.Server.Name,
		Manufacturer:        cfg.Server.Manufacturer,
		ManufacturerVersion: version,
		Location:            cfg.Server.Location,
	}
	server := alpaca.NewServer(serverDesc, devices, store, tmpl)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.AddRoutes(),
	}

	// Context cancelled on interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %v", srv.Addr, err)
		}
		return nil
	})

	if cfg.Discovery.Enabled {
		dr, err := alpaca.NewDiscoveryResponder(cfg.Discovery.Address, cfg.Discovery.Port, cfg.Server.Port, log.WithField("component", "discovery"))
		if err != nil {
			return fmt.Errorf("failed to create discovery responder: %v", err)
		}

		g.Go(func() error {
			defer log.Debug("Discovery responder stopped")
			return dr.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:    "alpaca-camera",
		Usage:   "ASCOM Alpaca camera server",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides the config file",
				Value:   8090,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"ALPACA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Settings database",
				Value:   "alpaca.db",
				EnvVars: []string{"ALPACA_DB"},
			},
			&cli.BoolFlag{
				Name:    "no-discovery",
				Usage:   "Disable the Alpaca discovery responder",
				EnvVars: []string{"ALPACA_NO_DISCOVERY"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
