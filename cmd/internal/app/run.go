package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"clubhub/cmd/internal/notify"
)

// Watch serves /healthz, /readyz and /metrics on cfg.MetricsAddr and keeps
// the realtime notification feed connected until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	return a.watch(ctx, ln)
}

func (a *App) watch(ctx context.Context, ln net.Listener) error {
	feed, err := notify.NewFeed(a.cfg.FeedURL(), a.session, a.dispatcher,
		notify.WithFeedLogger(a.log),
		notify.WithFeedMetrics(a.metrics),
	)
	if err != nil {
		_ = ln.Close()
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.log.Info("watch.start", "url", runtimeBaseURL(ln.Addr().String()), "feed", a.cfg.FeedURL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("watch.server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("watch.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	a.log.Info("watch.stopped")
	return err
}

// runtimeBaseURL turns a listen address into a dialable local URL.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
