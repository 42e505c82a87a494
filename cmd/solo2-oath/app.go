package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/solo2-authenticator/broker"
	brokermem "github.com/ggoodman/solo2-authenticator/broker/memory"
	brokerredis "github.com/ggoodman/solo2-authenticator/broker/redis"
	"github.com/ggoodman/solo2-authenticator/config"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/device"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/storage"
	storagemem "github.com/ggoodman/solo2-authenticator/storage/memory"
	storageredis "github.com/ggoodman/solo2-authenticator/storage/redis"
	"github.com/ggoodman/solo2-authenticator/transport"
	"github.com/ggoodman/solo2-authenticator/transport/memory"
	"github.com/ggoodman/solo2-authenticator/transport/pcsc"
)

// app is the wired controller with its backends.
type app struct {
	g      globals
	log    *slog.Logger
	level  *slog.LevelVar
	cfg    *config.Store
	events broker.Broker
	store  storage.Storage
	ctl    *controller.Controller

	cancel  context.CancelFunc
	done    chan error
	closers []io.Closer
	once    sync.Once
}

func newApp(ctx context.Context, g globals, stderr io.Writer) (*app, error) {
	level := new(slog.LevelVar)
	log, err := newLogger(stderr, g.logFormat, level)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	lvl := cfg.LogLevel
	if g.logLevel != "" {
		lvl = g.logLevel
	}
	if lvl != "" {
		l, err := parseLevel(lvl)
		if err != nil {
			return nil, err
		}
		level.Set(l)
	}

	a := &app{g: g, log: log, level: level, cfg: config.NewStore(cfg)}
	if err := a.wire(cfg); err != nil {
		a.close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan error, 1)
	go func() { a.done <- a.ctl.Run(runCtx) }()
	return a, nil
}

func (a *app) wire(cfg *config.Config) error {
	var rdb goredis.UniversalClient
	if cfg.EventBroker == "redis" || cfg.CredentialStore == "redis" {
		c := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		rdb = c
		a.closers = append(a.closers, c)
	}

	switch cfg.EventBroker {
	case "redis":
		a.events = brokerredis.New(brokerredis.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix + "broker:"})
	default:
		a.events = brokermem.New()
	}

	var err error
	switch cfg.CredentialStore {
	case "redis":
		a.store, err = storageredis.New(storageredis.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix + "storage:"})
	default:
		a.store, err = storagemem.New(cfg.CredentialStoreSize)
	}
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	a.closers = append(a.closers, a.store)

	var tr transport.Transport
	if a.g.simulate {
		tok, err := demoToken()
		if err != nil {
			return err
		}
		tr = memory.New(tok)
	} else {
		tr = pcsc.New(pcsc.WithReaderFilter(cfg.ReaderFilter), pcsc.WithLogger(a.log))
	}

	dev := device.New(tr, device.WithLogger(a.log), device.WithTimeout(cfg.OperationTimeout.Std()))
	a.ctl = controller.New(dev,
		controller.WithLogger(a.log),
		controller.WithBroker(a.events),
		controller.WithParams(controller.NewParamStore(a.store)),
		controller.WithConfig(a.cfg),
	)
	return nil
}

// setConfig applies a reloaded configuration. Backend selection needs a
// restart; everything else takes effect on the next intent.
func (a *app) setConfig(c *config.Config) {
	prev := a.ctl.Config()
	if prev.EventBroker != c.EventBroker || prev.CredentialStore != c.CredentialStore || prev.RedisAddr != c.RedisAddr || prev.ReaderFilter != c.ReaderFilter {
		a.log.Warn("config.reload.restart_required")
	}
	if a.g.logLevel == "" && c.LogLevel != "" {
		if l, err := parseLevel(c.LogLevel); err == nil {
			a.level.Set(l)
		}
	}
	a.ctl.SetConfig(c)
}

func (a *app) close() {
	a.once.Do(func() {
		if a.cancel != nil {
			a.cancel()
			if err := <-a.done; err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("controller.stop.fail", slog.String("err", err.Error()))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			// Best-effort close on shutdown.
			_ = a.closers[i].Close()
		}
	})
}

// demoToken is the token behind -simulate.
func demoToken() (*memory.Token, error) {
	opts := []memory.TokenOption{
		memory.WithName("Simulated Solo 2"),
		memory.WithUUID(uuid.MustParse("5eed5eed-0000-4000-8000-000000000002")),
	}
	for _, c := range []struct{ label, secret string }{
		{"example:alice", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"},
		{"demo", "JBSWY3DPEHPK3PXP"},
	} {
		cred, err := oath.NewCredential(c.label, c.secret)
		if err != nil {
			return nil, err
		}
		opts = append(opts, memory.WithCredential(cred))
	}
	return memory.NewToken(opts...), nil
}
