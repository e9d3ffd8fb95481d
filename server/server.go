// Package server assembles the catalog, refresh driver, event loop,
// connection engine, and ambient admission/idle-reaping guards into one
// running instance, generalizing the teacher's ServerFactory.CreateServer/
// StartServer wiring pattern (build every subsystem from one config object,
// then start them in dependency order) onto this project's own subsystems.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapread/snapread/catalog"
	"github.com/snapread/snapread/config"
	"github.com/snapread/snapread/connengine"
	"github.com/snapread/snapread/connguard"
	"github.com/snapread/snapread/evloop"
	"github.com/snapread/snapread/idlewatch"
	"github.com/snapread/snapread/queryguard"
	"github.com/snapread/snapread/refresh"
	"github.com/snapread/snapread/rowsource"
	"github.com/snapread/snapread/rowsource/mysql"
	"github.com/snapread/snapread/status"
	"github.com/snapread/snapread/table"
)

// Server is one running snapread instance: exactly one event-loop thread
// (running Run) and one refresh worker pool, per spec.md §5's thread
// budget.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	cat     *catalog.Catalog
	tables  []*table.Table
	src     rowsource.RowSource
	qguard  *queryguard.Guard
	cguard  *connguard.Guard
	watcher *idlewatch.Watcher

	builder *status.Builder
	metrics *status.Metrics

	loop   *evloop.Loop
	engine *connengine.Engine
	driver *refresh.Driver

	listeners []*rawListener
}

// New builds every subsystem from cfg but starts nothing. Validate is
// assumed to have already been called on cfg.
func New(cfg *config.Config, version string, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     logger.With().Str("component", "server").Logger(),
		qguard:  queryguard.New(),
		cguard:  connguard.New(connguard.Config{RequestsPerSecond: cfg.RateLimit, BurstSize: cfg.BurstSize, InactiveCutoff: cfg.MaxConnAge}),
		watcher: idlewatch.New(cfg.MaxConnAge),
	}

	tables := make([]*table.Table, 0, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		if err := s.qguard.Validate(tc.Name, tc.Query); err != nil {
			return nil, fmt.Errorf("server: table %s: %w", tc.Name, err)
		}
		indexes := make([]table.IndexSpec, 0, len(tc.Indexes))
		for _, ic := range tc.Indexes {
			indexes = append(indexes, table.IndexSpec{Name: ic.Name, Column: ic.Column, Type: ic.Type})
		}
		period := uint32(tc.Period.Seconds())
		if period == 0 {
			period = uint32(cfg.DefaultTick.Seconds())
		}
		tables = append(tables, table.New(table.Config{
			ID:         tc.ID,
			Name:       tc.Name,
			Query:      tc.Query,
			Period:     period,
			Indexes:    indexes,
			StripNulls: cfg.StripNulls,
		}))
	}
	s.tables = tables

	cat, err := catalog.Build(tables)
	if err != nil {
		return nil, fmt.Errorf("server: build catalog: %w", err)
	}
	s.cat = cat

	s.src = mysql.New(cfg.MySQLDSN, mysql.PoolConfig{
		MaxIdleConns:    cfg.PoolIdle,
		MaxOpenConns:    cfg.PoolOpen,
		ConnMaxLifetime: 5 * time.Minute,
	}, mysql.DefaultReconnectConfig())

	s.builder = status.New(cat, version)
	s.metrics = s.builder.Metrics()

	loop, err := evloop.New()
	if err != nil {
		return nil, fmt.Errorf("server: build event loop: %w", err)
	}
	s.loop = loop

	var engine *connengine.Engine
	hooks := connengine.Hooks{
		Register: func(fd int, events uint32) error {
			return loop.Add(fd, events, func(fd int, events uint32) { s.handleReady(engine, fd, events) })
		},
		Modify: loop.Mod,
		Delete: loop.Del,
	}
	engine = connengine.New(newDispatcher(cat, s.builder), cfg.MaxKeyLen, hooks, func(*connengine.Conn) { s.metrics.Connections.Dec() })
	s.engine = engine

	s.driver = refresh.New(refresh.Config{WorkerCount: cfg.Workers, QueueSize: cfg.QueueSize, Tick: cfg.DefaultTick}, logger)

	return s, nil
}

// handleReady is the evloop.Callback every accepted connection's fd is
// registered with (listener fds are registered separately in Run, with
// their own accept callback): it routes readiness bits to the connection
// engine's ReadReady/WriteReady, ignoring a lookup miss, which means the fd
// already closed racing a pending epoll event.
func (s *Server) handleReady(engine *connengine.Engine, fd int, events uint32) {
	c, ok := engine.ConnByFD(fd)
	if !ok {
		return
	}
	now := time.Now().Unix()
	if events&(evloop.Err|evloop.Hup) != 0 {
		engine.Close(c)
		return
	}
	if events&evloop.Read != 0 {
		engine.ReadReady(c, now)
	}
	if events&evloop.Write != 0 {
		if _, stillOpen := engine.ConnByFD(fd); stillOpen {
			engine.WriteReady(c)
		}
	}
}

// Run opens the configured listeners, starts the refresh driver and the
// idle-connection reaper, then blocks running the event loop until ctx is
// canceled or an unrecoverable error occurs. Exactly one goroutine may call
// Run.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.TCPAddr != "" {
		l, err := newTCPListener(s.cfg.TCPAddr)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, l)
	}
	if s.cfg.UnixPath != "" {
		l, err := newUnixListener(s.cfg.UnixPath)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return fmt.Errorf("server: no listeners configured")
	}
	for _, l := range s.listeners {
		if err := s.loop.Add(l.fd, evloop.Read, func(fd int, _ uint32) { s.acceptAll(fd) }); err != nil {
			return fmt.Errorf("server: register listener %s: %w", l.addr, err)
		}
		s.log.Info().Str("addr", l.addr).Msg("listening")
	}

	if err := s.src.Connect(); err != nil {
		return fmt.Errorf("server: connect row source: %w", err)
	}

	s.driver.Start(ctx, s.dueJobs)
	s.armSweep()

	go func() {
		<-ctx.Done()
		s.loop.Stop()
	}()

	err := s.loop.Run()
	s.shutdown()
	return err
}

// dueJobs computes, once per Cron tick, which configured tables have gone
// at least their configured period since their last successful load. All
// tables share the single configured RowSource, matching this project's
// single-DSN configuration model.
func (s *Server) dueJobs() []refresh.Job {
	now := time.Now().Unix()
	var due []refresh.Job
	for _, tb := range s.tables {
		cfg := tb.Config()
		st := tb.Stats()
		period := int64(cfg.Period)
		if period <= 0 {
			period = int64(refresh.DefaultTick.Seconds())
		}
		if st.LastLoadedUnix == 0 || now-st.LastLoadedUnix >= period {
			due = append(due, refresh.Job{Table: tb, Src: s.src})
		}
	}
	return due
}

// armSweep arms a recurring one-shot timer (evloop only supports one-shot
// timers; the callback re-arms itself) driving both connguard's bucket
// cleanup and idlewatch's idle-connection reaping, the two pieces of
// housekeeping this design deliberately keeps off their own goroutines to
// preserve the one-event-loop-thread, one-refresh-thread budget.
func (s *Server) armSweep() {
	interval := s.watcher.SweepInterval
	var arm func()
	arm = func() {
		sec := int64(interval / time.Second)
		nsec := int64(interval % time.Second)
		if _, err := s.loop.ArmTimer(sec, nsec, func() {
			s.sweepOnce()
			arm()
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to arm sweep timer")
		}
	}
	arm()
}

func (s *Server) sweepOnce() {
	now := time.Now()
	s.cguard.Sweep(now)

	conns := s.engine.Conns()
	idleConns := make([]idlewatch.Conn, len(conns))
	for i, c := range conns {
		idleConns[i] = c
	}
	for _, idle := range s.watcher.Sweep(idleConns, now) {
		if c, ok := s.engine.ConnByFD(idle.FD()); ok {
			s.engine.Close(c)
		}
	}
}

// shutdown stops the refresh driver, closes every live connection, closes
// the listeners, and disconnects the row source, in reverse dependency
// order, per spec.md §5's shutdown procedure.
func (s *Server) shutdown() {
	s.driver.Stop()
	for _, c := range s.engine.Conns() {
		s.engine.Close(c)
	}
	for _, l := range s.listeners {
		s.loop.Del(l.fd)
		l.Close()
	}
	if err := s.src.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("row source disconnect failed")
	}
	s.loop.Close()
}

// Metrics returns the Prometheus registry this server's components feed,
// for wiring a /metrics HTTP endpoint.
func (s *Server) Metrics() *status.Metrics { return s.metrics }
