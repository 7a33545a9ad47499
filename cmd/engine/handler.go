package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdcore "github.com/obox-cloud/obox/cmd/core"
	"github.com/obox-cloud/obox/types"
)

const shutdownTimeout = 10 * time.Second

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.serve")

	rt, err := cmdcore.InitRuntime(ctx, conf)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	if err := rt.Queue.Schedule(ctx, types.SyncKey, types.JobSyncState, json.RawMessage("{}"), types.PriorityLow, conf.Reconcile.Every); err != nil {
		return fmt.Errorf("schedule state sync: %w", err)
	}

	addr := conf.MetricsAddr
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		addr = v
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Dispatcher.Run(gctx) })
	if addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(rt.Metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second} //nolint:mnd

		g.Go(func() error {
			logger.Infof(ctx, "metrics listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Infof(ctx, "obox engine serving, state sync every %s", conf.Reconcile.Every)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Infof(ctx, "obox engine stopped")
	return nil
}

func (h Handler) Reconcile(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	rt, err := cmdcore.InitRuntime(ctx, conf)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	s, err := rt.Reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Println(s.String())
	return nil
}
