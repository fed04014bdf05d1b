package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/config"
	"github.com/iniwex5/sad-go/pkg/control"
	"github.com/iniwex5/sad-go/pkg/dataplane"
	"github.com/iniwex5/sad-go/pkg/driver"
	"github.com/iniwex5/sad-go/pkg/ipsec"
	"github.com/iniwex5/sad-go/pkg/logger"
	"github.com/iniwex5/sad-go/pkg/metrics"
	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/status"
)

const reclaimInterval = time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the SAD daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log); err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log := logger.Named("sadd")

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	opts := []control.Option{
		control.WithAutoRetire(cfg.SAD.AutoRetire),
		control.WithCloseTimeout(cfg.SAD.CloseTimeout),
		control.WithDBOptions(
			sad.WithWindowSize(cfg.SAD.ReplayWindow),
			sad.WithSoftLimit(cfg.SAD.SoftLimit),
		),
	}
	if cfg.XFRM.Enabled {
		mirror, err := driver.NewXFRMMirror(driver.XFRMConfig{
			NetNS:        cfg.XFRM.NetNS,
			ReqID:        cfg.XFRM.ReqID,
			Ifid:         cfg.XFRM.Ifid,
			ReplayWindow: cfg.XFRM.ReplayWindow,
		})
		if err != nil {
			return err
		}
		opts = append(opts, control.WithMirror(mirror))
	}
	ctl := control.New(opts...)
	defer func() {
		err = multierr.Append(err, ctl.Close())
	}()

	dp := dataplane.New(ctl.DB(), ipsec.NewProcessor(nil), dataplane.Config{
		Shards:     cfg.Dataplane.Shards,
		QueueDepth: cfg.Dataplane.QueueDepth,
		BatchSize:  cfg.Dataplane.BatchSize,
	}, nil, ctl.ReportExhausted)
	dp.Start(ctx)
	defer dp.Stop()

	cands, err := cfg.Candidates()
	if err != nil {
		return err
	}
	if err := ctl.LoadStatic(cands); err != nil {
		return err
	}

	go watchEvents(ctl, log)
	go reclaimLoop(ctx, ctl.DB())

	// 状态接口与 /metrics 共用 status.listen
	var srv *http.Server
	if handler, closeFn := httpHandler(cfg, ctl.DB()); handler != nil {
		defer closeFn()
		srv = &http.Server{
			Addr:              cfg.Status.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("HTTP 服务已启动",
				zap.String("addr", srv.Addr),
				zap.Bool("status", cfg.Status.Enabled),
				zap.Bool("metrics", cfg.Metrics.Enabled))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("状态服务异常退出", zap.Error(err))
			}
		}()
	}

	log.Info("sadd 已启动", zap.Int("sas", ctl.DB().Len()))
	<-ctx.Done()
	log.Info("收到退出信号，开始清理")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return err
}

// httpHandler 按配置组合状态接口与指标；两者都关闭时返回 nil
func httpHandler(cfg *config.Config, db *sad.DB) (http.Handler, func()) {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	switch {
	case cfg.Status.Enabled:
		st := status.New(db, Version, metricsPath)
		return st.Router(), st.Close
	case metricsPath != "":
		return status.MetricsRouter(metricsPath), func() {}
	}
	return nil, func() {}
}

func watchEvents(ctl *control.Controller, log *zap.Logger) {
	for ev := range ctl.Events() {
		log.Info("SA 事件", zap.String("id", ev.ID), zap.Stringer("event", ev))
	}
}

// reclaimLoop 回收在 Retire 时仍被读者持有、未能立即释放的条目
func reclaimLoop(ctx context.Context, db *sad.DB) {
	t := time.NewTicker(reclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			db.Reclaim()
		}
	}
}
