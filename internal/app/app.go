// Package app wires the full stack: database, config, breaker registry,
// guarded gateways, lifecycle engine, and health monitor.
package app

import (
	"database/sql"
	"log"
	"time"

	"bountyline/internal/breaker"
	"bountyline/internal/codehost"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/health"
	"bountyline/internal/ledger"
	"bountyline/internal/lifecycle"
	"bountyline/internal/migrate"
)

type Stack struct {
	DB       *sql.DB
	Config   *config.Config
	Breakers *breaker.Registry
	Ledger   ledger.Gateway
	CodeHost codehost.Gateway
	Engine   *lifecycle.Engine
	Monitor  *health.Monitor
}

// Options select the gateway implementations. The in-process ledger and
// code host back local development and tests; production wiring swaps in
// real gateways here.
type Options struct {
	Workspace string
	Logger    *log.Logger
	Ledger    ledger.Gateway
	CodeHost  codehost.Gateway
}

// Build opens the workspace database, runs migrations, and assembles the
// engine behind breaker-guarded gateways.
func Build(opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}

	registry := breaker.NewRegistry(logger)
	for name, settings := range cfg.Breakers {
		registry.Configure(name, breaker.Config{
			FailureThreshold: settings.FailureThreshold,
			RecoveryTimeout:  settings.RecoveryTimeout(),
			HalfOpenMaxCalls: settings.HalfOpenMaxCalls,
		})
	}

	rawLedger := opts.Ledger
	if rawLedger == nil {
		rawLedger = ledger.NewMemory()
	}
	rawCodeHost := opts.CodeHost
	if rawCodeHost == nil {
		rawCodeHost = codehost.NewMemory()
	}
	guardedLedger := ledger.NewGuarded(rawLedger, registry)
	guardedCodeHost := codehost.NewGuarded(rawCodeHost, registry)

	engine := lifecycle.New(conn, cfg, guardedLedger, guardedCodeHost, logger)

	monitor, err := health.NewMonitor(registry,
		time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		time.Duration(cfg.Health.TimeoutSeconds)*time.Second,
		logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	monitor.Register(ledger.DependencyName, rawLedger.Ping)
	monitor.Register(codehost.DependencyName, rawCodeHost.Ping)

	return &Stack{
		DB:       conn,
		Config:   cfg,
		Breakers: registry,
		Ledger:   guardedLedger,
		CodeHost: guardedCodeHost,
		Engine:   engine,
		Monitor:  monitor,
	}, nil
}

func (s *Stack) Close() error {
	return s.DB.Close()
}
