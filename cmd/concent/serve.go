package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/etsangsplk/concent/internal/api"
	"github.com/etsangsplk/concent/internal/config"
	"github.com/etsangsplk/concent/internal/dispatch"
	"github.com/etsangsplk/concent/internal/dispute"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/funds"
	"github.com/etsangsplk/concent/internal/guard"
	"github.com/etsangsplk/concent/internal/policy"
	"github.com/etsangsplk/concent/internal/queue"
	"github.com/etsangsplk/concent/internal/store"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

// stopper is a background loop started by serve.
type stopper interface {
	Run(ctx context.Context)
	Stop()
}

func newServeCmd(configPath *string) *cobra.Command {
	var embeddedVerifier bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background arbitration loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, embeddedVerifier)
		},
	}
	cmd.Flags().BoolVar(&embeddedVerifier, "embedded-verifier", false,
		"run a verification worker in this process (uses the in-memory queue when no redis is configured)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, embeddedVerifier bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	key, err := envelope.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	protocol := cfg.ProtocolTimes()
	ledger := workflow.NewLedger(db, time.Now)
	pol := policy.New(protocol)
	issuer := token.NewIssuer(key, cfg.StorageClusterAddress, protocol, time.Now)

	var oracle funds.Oracle
	switch cfg.FundsOracle {
	case config.FundsOracleStatic:
		log.Warn("funds_oracle is static; every requestor deposit is treated as sufficient")
		oracle = funds.NewStaticOracle(true)
	default:
		eth, err := funds.DialEthOracle(ctx, cfg.EthRPCURL)
		if err != nil {
			return err
		}
		defer eth.Close()
		oracle = eth
	}

	broker, closeBroker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	prober, err := token.NewProber(issuer, cfg.StorageClusterCACert)
	if err != nil {
		return err
	}

	dispatcher := dispatch.NewDispatcher(ledger, broker, dispatch.Config{IntervalSec: cfg.DispatchIntervalSec})
	reconciler := dispute.NewReconciler(ledger, cfg.SweepInterval())
	loops := []stopper{
		dispatcher,
		reconciler,
		dispute.NewUploadPoller(ledger, issuer, prober, cfg.UploadPollInterval()),
		dispute.NewReportConsumer(broker, reconciler, time.Second),
	}
	if embeddedVerifier {
		w, err := newVerifierWorker(cfg, issuer, broker)
		if err != nil {
			return err
		}
		loops = append(loops, w)
	}

	g := guard.NewGuard(guard.GuardConfig{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		SoftShutdown:       cfg.SoftShutdown,
	}, nil)
	loops = append(loops, g)

	handler := &api.Handler{
		Dispute:    dispute.NewHandler(ledger, pol, issuer, oracle, dispatcher, reconciler, key),
		Mailbox:    dispute.NewMailbox(ledger, pol, issuer, reconciler, key),
		Reconciler: reconciler,
		Ledger:     ledger,
		Guard:      g,
	}
	srv := api.NewServer(api.NewRouter(handler), cfg.ListenAddr)
	admin := api.NewServer(api.NewAdminRouter(handler, cfg.AdminToken), cfg.AdminListenAddr)
	if cfg.AdminToken == "" {
		log.WithField("admin_listen_addr", cfg.AdminListenAddr).Warn("No admin_token configured; the admin listener relies on network isolation")
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l stopper) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		for _, l := range loops {
			l.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Admin server shutdown failed")
		}
	}()

	adminErr := make(chan error, 1)
	go func() {
		log.WithField("url", api.FormatListenURL(cfg.AdminListenAddr)).Info("Admin listener started")
		err := admin.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
		}
		adminErr <- err
	}()

	log.WithFields(log.Fields{
		"url":           api.FormatListenURL(cfg.ListenAddr),
		"version":       version,
		"soft_shutdown": cfg.SoftShutdown,
	}).Info("Concent listening")

	err = srv.Start()
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	if err := <-adminErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// openBroker connects to redis when configured and falls back to an
// in-process queue otherwise.
func openBroker(ctx context.Context, cfg *config.Config) (queue.Broker, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("No redis address configured; verification orders stay in process")
		return queue.NewMemoryQueue(256), func() {}, nil
	}
	q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Key,
	})
	if err != nil {
		return nil, nil, err
	}
	return q, func() {
		if err := q.Close(); err != nil {
			log.WithError(err).Warn("Close redis queue")
		}
	}, nil
}
