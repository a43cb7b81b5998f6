// Command memcached runs an in-memory cache speaking the memcached binary
// protocol, with an HTTP admin endpoint for health, stats and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pior/memcached"
	"github.com/pior/memcached/admin"
	"github.com/pior/memcached/handlers"
	"github.com/pior/memcached/internal/logging"
	"github.com/pior/memcached/store"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "memcached:", err)
		os.Exit(2)
	}

	log := logging.New(logging.Options{
		App:    "memcached",
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("memcached stopped")
		os.Exit(1)
	}
	log.Info().Msg("memcached stopped")
}

// run serves until ctx is done or a listener fails, then shuts down.
func run(ctx context.Context, cfg config, log zerolog.Logger) error {
	st := store.New(cfg.storeConfig())
	defer st.Close()

	reg := memcached.NewRegistry()
	handlers.Register(reg, st, cfg.handlerOptions())

	srvCfg := cfg.serverConfig()
	srvCfg.Registry = reg
	srvCfg.Logger = &log
	srv, err := memcached.NewServer(srvCfg)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := srv.RegisterMetrics(promReg); err != nil {
		return err
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info().Str("addr", l.Addr().String()).Msg("protocol listening")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, memcached.ErrServerClosed) {
			return fmt.Errorf("protocol server: %w", err)
		}
		return nil
	})

	var httpSrv *http.Server
	if cfg.Admin != "" {
		gin.SetMode(gin.ReleaseMode)
		httpSrv = &http.Server{
			Addr: cfg.Admin,
			Handler: admin.NewRouter(admin.Options{
				Server:   srv,
				Store:    st,
				Gatherer: promReg,
				Version:  handlers.DefaultVersion,
				Logger:   log.With().Str("component", "admin").Logger(),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info().Str("addr", cfg.Admin).Msg("admin listening")
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if httpSrv != nil {
			errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("connections did not drain in time")
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
