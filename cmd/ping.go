package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ewrogers/postgredis/client"
)

var (
	pingTimeout     time.Duration
	pingCount       int
	pingConcurrency int
)

var PingCmd = &cobra.Command{
	Use:   "ping [message]",
	Short: "PING a running postgredis server",
	Long: `Send PING to a running server and print each reply.

Usage
	postgredis ping
	postgredis ping hello --host 127.0.0.1 --port 6379
	postgredis ping -n 1000 --concurrency 8

`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pingCount < 1 || pingConcurrency < 1 {
			return fmt.Errorf("count and concurrency must be at least 1")
		}

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		conf, err := loadConfig(ctx, cmd)
		if err != nil {
			return err
		}

		pool, err := client.NewPool(client.PoolConfig{
			Addr:    net.JoinHostPort(dialHost(conf.Host), strconv.Itoa(conf.Port)),
			MaxSize: int32(pingConcurrency),
			Log:     zap.NewNop(),
		})
		if err != nil {
			return err
		}
		defer pool.Close()

		return runPings(ctx, cmd, pool, args)
	},
}

// runPings sends pingCount pings from pingConcurrency goroutines, printing
// every reply as it arrives.
func runPings(ctx context.Context, cmd *cobra.Command, pool *client.Pool, message []string) error {
	var (
		mu     sync.Mutex
		errs   error
		failed int
	)

	jobs := make(chan struct{})
	go func() {
		defer close(jobs)
		for i := 0; i < pingCount; i++ {
			jobs <- struct{}{}
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < pingConcurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()

			for range jobs {
				start := time.Now()
				reply, err := pool.Ping(ctx, message...)
				elapsed := time.Since(start).Round(time.Microsecond)

				mu.Lock()
				if err != nil {
					failed++
					errs = multierr.Append(errs, err)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", reply, elapsed)
				}
				mu.Unlock()
			}
		}()
	}
	workers.Wait()

	if pingCount > 1 {
		stats := pool.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "%d sent, %d failed, %d connections\n",
			pingCount, failed, stats.CreatedConns)
	}

	if failed == 0 {
		return nil
	}

	if failed == 1 {
		return errs
	}

	return fmt.Errorf("%d of %d pings failed, first: %w", failed, pingCount, multierr.Errors(errs)[0])
}

// dialHost turns a wildcard listen address into one that can be dialled.
func dialHost(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return "127.0.0.1"
	}

	return host
}

func init() {
	flags := PingCmd.Flags()

	flags.IntVarP(&port, "port", "p", 6379, "The port of the server")
	flags.StringVarP(&host, "host", "a", "127.0.0.1", "The host of the server")
	flags.DurationVar(&pingTimeout, "timeout", 5*time.Second, "How long to wait for all the replies")
	flags.IntVarP(&pingCount, "count", "n", 1, "The number of pings to send")
	flags.IntVar(&pingConcurrency, "concurrency", 1, "The number of connections to send them on")
}
