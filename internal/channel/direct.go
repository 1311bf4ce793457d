package channel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	logx "clubwatch/pkg/logx"
)

// DirectConfig tunes the in-process fallback channel.
type DirectConfig struct {
	RatePerSec   float64       // sustained display rate; default 1/s
	Burst        int           // default 3
	DismissAfter time.Duration // auto-dismiss window; default 10s
}

// Direct shows notifications through an in-process Sink. It is the fallback
// when push is not available and needs no subscription, only permission.
type Direct struct {
	cfg     DirectConfig
	perm    PermissionSource
	sink    Sink
	limiter *rate.Limiter
	log     logx.Logger
}

func NewDirect(cfg DirectConfig, perm PermissionSource, sink Sink, log logx.Logger) *Direct {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.DismissAfter <= 0 {
		cfg.DismissAfter = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Direct{
		cfg:     cfg,
		perm:    perm,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Available(ctx context.Context) bool {
	if d.sink == nil {
		return false
	}
	return d.perm != nil && d.perm.Granted(ctx)
}

func (d *Direct) Send(ctx context.Context, n Notification) error {
	if d.sink == nil {
		return ErrUnavailable
	}
	if d.perm == nil || !d.perm.Granted(ctx) {
		return ErrUnavailable
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("direct send: %w", err)
	}
	// The deadline doubles as the auto-dismiss window for the sink.
	showCtx, cancel := context.WithTimeout(ctx, d.cfg.DismissAfter)
	defer cancel()
	if err := d.sink.Show(showCtx, n); err != nil {
		return fmt.Errorf("direct send: %w", err)
	}
	d.log.Debug("notification shown", logx.String("tag", n.Tag))
	return nil
}
