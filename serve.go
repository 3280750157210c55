package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/admin"
	"chatrelay/server"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay on the configured address until interrupted or until a
"shutdown" command arrives on the control socket.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "Address to listen on (empty for all)")
	f.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	f.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "Admin HTTP address (empty to disable)")
	f.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "Control socket path (empty to disable)")
	f.IntVar(&cfg.MaxMalformed, "max-malformed", cfg.MaxMalformed, "Unparseable frames tolerated in a row")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(database, server.ServerConfig{
		Addr:          cfg.ListenAddr(),
		AcceptTimeout: cfg.AcceptTimeout,
		PollInterval:  cfg.PollInterval,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		MaxFrameSize:  cfg.MaxFrameSize,
		MaxMalformed:  value.Cond(cfg.MaxMalformed == 0, -1, cfg.MaxMalformed),
		Logger:        log.Named("relay"),
		Metrics:       server.NewMetrics(reg),
	})
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := taskgroup.New(cancel)
	g.Go(func() error {
		defer cancel()
		return srv.Run(ctx)
	})

	if cfg.AdminAddr != "" {
		hs := &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: admin.Handler(srv, database, reg, log.Named("admin")),
		}
		g.Go(func() error {
			log.Info("Admin HTTP listening", zap.String("addr", cfg.AdminAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Shutdown(context.Background())
		})
	}

	if cfg.ControlSocket != "" {
		os.Remove(cfg.ControlSocket)
		ln, err := net.Listen("unix", cfg.ControlSocket)
		if err != nil {
			log.Warn("Failed to create control socket", zap.Error(err))
		} else {
			log.Info("Control socket listening", zap.String("path", cfg.ControlSocket))
			clog := log.Named("control")
			g.Go(func() error {
				serveControl(ln, srv, clog)
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				ln.Close()
				os.Remove(cfg.ControlSocket)
				return nil
			})
		}
	}

	return g.Wait()
}
