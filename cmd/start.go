package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ewrogers/postgredis/handler"
	"github.com/ewrogers/postgredis/internal/env"
	"github.com/ewrogers/postgredis/internal/metrics"
	"github.com/ewrogers/postgredis/internal/stats"
	"github.com/ewrogers/postgredis/router"
	"github.com/ewrogers/postgredis/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort int

	// The port to listen for tcp clients on
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 6379, "The port to listen client connections on")
	flags.IntVar(&httpPort, "http-port", 6380, "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the postgredis server",
	Long: `Start up the postgredis server

Usage
	postgredis start
	postgredis start --config postgredis.yaml --port 6379

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := loadConfig(ctx, cmd)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf)
		if err != nil {
			return err
		}
		defer func() {
			_ = log.Sync()
		}()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(registry)

		r := router.New(router.Options{
			Handler:   handler.NewEcho(),
			QueueSize: conf.QueueSize,
			Log:       log.Named("router"),
			Metrics:   m,
		})

		routerCtx, stopRouter := context.WithCancel(context.Background())
		defer stopRouter()

		go func() {
			if err := r.Run(routerCtx); err != nil {
				log.Error("Router failed", zap.Error(err))
			}
		}()

		tcp := transport.NewTCP(transport.Options{
			Host:         conf.Host,
			Port:         conf.Port,
			Reuseport:    conf.Reuseport,
			Trace:        conf.Trace,
			NumListeners: conf.NumListeners,
			Router:       r,
			ReplyBuffer:  conf.ReplyBuffer,
			ReplyTimeout: conf.ReplyTimeout.Std(),
			IdleTimeout:  conf.IdleTimeout.Std(),
			WriteTimeout: conf.WriteTimeout.Std(),
			RateLimit:    conf.RateLimit,
			RateBurst:    conf.RateBurst,
			Codec:        conf.CodecOptions(),
			Log:          log.Named("transport"),
			Metrics:      m,
		})

		if err := tcp.Start(routerCtx); err != nil {
			return err
		}

		engine := setupRouter(conf.DebugHTTP, log.Named("http"))
		registerAdminRoutes(engine, stats.NewReporter(r, tcp), registry)

		s := &http.Server{
			Addr:    net.JoinHostPort(conf.Host, strconv.Itoa(conf.HTTPPort)),
			Handler: engine,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.Any("config", conf),
			zap.Stringer("addr", tcp.Addr()),
			zap.Int("httpPort", conf.HTTPPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the servers they have 5 seconds to
		// finish what they are currently doing
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if herr := s.Shutdown(shutdownCtx); herr != nil {
			log.Error("Http server forced to shutdown", zap.Error(herr))
			err = multierr.Append(err, herr)
		}

		if terr := tcp.Shutdown(shutdownCtx); terr != nil {
			log.Error("TCP server forced to shutdown", zap.Error(terr))
			err = multierr.Append(err, terr)
		}

		stopRouter()
		<-r.Done()

		log.Info("Exiting", zap.Any("stats", r.Stats()))
		return err
	},
}

func setFileLimit() (uint64, error) {
	var rLimit unix.Rlimit

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
