//go:build linux

// Command replica-engine runs the replica data-plane core as a standalone
// daemon: an acceptor multiplexing the io and rebuild listen sockets, a
// checkpoint timer, and an etcd-backed volume registry, wired together the
// way the teacher's word-count example wires a cobra root command around
// its service (examples/word-count/wordcountctl/main.go), substituting
// cobra/viper/pflag for the teacher's go-flags parser per this module's
// CLI stack.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"

	"net/http"

	"github.com/mittachaitu/zfs/internal/acceptor"
	"github.com/mittachaitu/zfs/internal/checkpoint"
	"github.com/mittachaitu/zfs/internal/config"
	"github.com/mittachaitu/zfs/internal/devstore"
	"github.com/mittachaitu/zfs/internal/metrics"
	"github.com/mittachaitu/zfs/internal/registry"
	"github.com/mittachaitu/zfs/internal/task"
	"github.com/mittachaitu/zfs/internal/worker"
)

func main() {
	var root = newServeCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("replica-engine exited with error")
	}
}

func newServeCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "replica-engine",
		Short: "Runs the replica data-plane core: acceptor, checkpoint timer, and volume registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var v = viper.New()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return errors.WithMessage(err, "binding flags")
			}
			var cfg, err = config.Load(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var etcdClient, err = clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.EtcdDialTO,
	})
	if err != nil {
		return errors.WithMessage(err, "connecting to etcd")
	}
	defer etcdClient.Close()

	var reg = registry.NewWatcher(etcdClient, cfg.EtcdPrefix)
	if err := reg.Start(ctx); err != nil {
		return errors.WithMessage(err, "starting volume registry watcher")
	}

	var rec = metrics.New(prometheus.DefaultRegisterer)
	var store = devstore.New() // stand-in until a real VolumeStore is linked in
	var w = worker.New(store, rec, int64(cfg.WorkerCount))
	var cpService = checkpoint.New(reg, store, rec)
	reg.Observe(func() { cpService.WakeNow() })

	var ioListener, ioErr = net.ListenTCP("tcp", &net.TCPAddr{Port: cfg.IOPort})
	if ioErr != nil {
		return errors.WithMessagef(ioErr, "listening on io_port %d", cfg.IOPort)
	}
	var rebuildListener, rebuildErr = net.ListenTCP("tcp", &net.TCPAddr{Port: cfg.RebuildPort})
	if rebuildErr != nil {
		return errors.WithMessagef(rebuildErr, "listening on rebuild_port %d", cfg.RebuildPort)
	}

	var acc = acceptor.New(ioListener, rebuildListener, reg, store, w)

	var group = task.NewGroup(ctx)
	group.Queue("acceptor", func() error { return acc.Run(group.Context()) })
	group.Queue("checkpoint", func() error { return cpService.Run(group.Context()) })
	group.Queue("metrics-http", serveMetrics(group.Context(), cfg.MetricsAddr))

	log.WithFields(log.Fields{
		"io_port":      cfg.IOPort,
		"rebuild_port": cfg.RebuildPort,
		"etcd_prefix":  cfg.EtcdPrefix,
	}).Info("replica-engine serving")

	<-ctx.Done()
	group.Cancel()
	ioListener.Close()
	rebuildListener.Close()
	return group.Wait()
}

func serveMetrics(ctx context.Context, addr string) func() error {
	return func() error {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		var srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		var errCh = make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}
