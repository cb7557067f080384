package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/etsangsplk/concent/internal/config"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/queue"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/verifier"
)

const storageTimeout = 30 * time.Minute

func newVerifierCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verifier",
		Short: "Run a verification worker that takes orders from redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("verifier requires redis.addr; use serve --embedded-verifier for a single process")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			key, err := envelope.LoadPrivateKey(cfg.PrivateKey)
			if err != nil {
				return err
			}
			issuer := token.NewIssuer(key, cfg.StorageClusterAddress, cfg.ProtocolTimes(), time.Now)

			broker, closeBroker, err := openBroker(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeBroker()

			w, err := newVerifierWorker(cfg, issuer, broker)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"storage_path": cfg.VerifierStoragePath,
				"mock":         cfg.MockVerification,
			}).Info("Verifier started")
			w.Run(ctx)
			log.Info("Verifier stopped")
			return nil
		},
	}
}

func newVerifierWorker(cfg *config.Config, issuer *token.Issuer, broker queue.Broker) (*verifier.Worker, error) {
	client, err := token.NewHTTPClient(cfg.StorageClusterCACert, storageTimeout)
	if err != nil {
		return nil, err
	}
	renderer := &verifier.ExecRenderer{
		Command: cfg.Renderer.Command,
		Args:    cfg.Renderer.Args,
		Env:     cfg.Renderer.Env,
		Timeout: cfg.RenderTimeout(),
	}
	if renderer.Command == "" && !cfg.MockVerification {
		return nil, fmt.Errorf("renderer.command is required unless mock_verification is set")
	}
	return verifier.NewWorker(broker, broker, issuer, client, renderer, verifier.Options{
		StoragePath: cfg.VerifierStoragePath,
		Mock:        cfg.MockVerification,
	}), nil
}
