package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetlink/adminapi"
	"github.com/vinayprograms/fleetlink/bus"
	"github.com/vinayprograms/fleetlink/cmd/version"
	"github.com/vinayprograms/fleetlink/config"
	"github.com/vinayprograms/fleetlink/coordinator"
	"github.com/vinayprograms/fleetlink/credentials"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/mirror"
	"github.com/vinayprograms/fleetlink/registry"
	"github.com/vinayprograms/fleetlink/shutdown"
	"github.com/vinayprograms/fleetlink/telemetry"
)

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	creds, credsPath, err := credentials.Load()
	if err != nil {
		return fmt.Errorf("credentials %s: %w", credsPath, err)
	}
	cfg.ApplyCredentials(creds)
	if adminAddr != "" {
		cfg.Coordinator.AdminAddr = adminAddr
	}

	logger := logging.New().WithComponent("fleet-coordinator")
	logger.SetLevel(cfg.LogLevel())
	defer logger.Sync()

	ctx := context.Background()
	seq := shutdown.New(shutdown.Config{Logger: logger})

	tracer := telemetry.GetTracer()
	if pc := cfg.Provider(version.Version); pc.Enabled() {
		provider, err := telemetry.InitProvider(ctx, pc)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		tracer = provider.Tracer()
		seq.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	}

	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = "fleet-coordinator-" + uuid.NewString()[:8]
	}
	conn, err := bus.NewMQTTBus(cfg.MQTT(clientID))
	if err != nil {
		return fmt.Errorf("broker %s: %w", cfg.Broker.URL, err)
	}
	seq.RegisterFunc("broker", shutdown.PhaseBroker, func(context.Context) error {
		return conn.Close()
	})

	reg := registry.New(registry.Config{Logger: logger})
	coord, err := coordinator.New(coordinator.Config{
		Bus:                   conn,
		Registry:              reg,
		Logger:                logger,
		Tracer:                tracer,
		PurgeRetainedOnForget: cfg.Coordinator.PurgeRetainedOnForget,
	})
	if err != nil {
		conn.Close()
		return err
	}

	coord.OnDead(func(ids []string) error {
		logger.Warn("nodes_need_attention", map[string]interface{}{"node_ids": ids})
		return nil
	})

	if err := startMirror(ctx, cfg, creds, reg, logger, seq); err != nil {
		conn.Close()
		return err
	}

	if err := coord.Start(ctx); err != nil {
		conn.Close()
		return err
	}
	seq.RegisterFunc("coordinator", shutdown.PhaseCoordinator, func(context.Context) error {
		return coord.Stop()
	})

	admin := adminapi.New(coord, adminapi.Config{
		Addr:      cfg.Coordinator.AdminAddr,
		Logger:    logger,
		JWTSecret: creds.Get(credentials.SectionAdmin).Token,
	})
	if _, err := admin.Start(); err != nil {
		coord.Stop()
		conn.Close()
		return fmt.Errorf("admin api: %w", err)
	}
	seq.Register("admin-api", shutdown.PhaseIngress, admin)

	logger.Info("fleet_coordinator_ready", map[string]interface{}{
		"broker":     cfg.Broker.URL,
		"client_id":  clientID,
		"admin_addr": cfg.Coordinator.AdminAddr,
		"mirror":     cfg.Mirror.Backend,
		"admin_auth": creds.Get(credentials.SectionAdmin).Token != "",
		"version":    version.Version,
	})

	seq.HandleSignals()
	<-seq.Done()

	if res := seq.Result(); res != nil && res.Err != nil {
		fmt.Fprintf(os.Stderr, "shutdown incomplete: %v (failed: %v)\n", res.Err, res.Failed())
	}
	return nil
}

// startMirror opens the configured mirror, seeds it and replicates registry
// events until shutdown.
func startMirror(ctx context.Context, cfg *config.Config, creds *credentials.Credentials, reg *registry.Registry, logger *logging.Logger, seq *shutdown.Sequencer) error {
	var m mirror.Mirror
	switch cfg.Mirror.Backend {
	case config.MirrorNone:
		return nil
	case config.MirrorNATS:
		var opts []nats.Option
		if secret := creds.Get(credentials.SectionNATS); secret.Token != "" {
			opts = append(opts, nats.Token(secret.Token))
		} else if secret.Username != "" {
			opts = append(opts, nats.UserInfo(secret.Username, secret.Password))
		}
		nm, err := mirror.DialNATSMirror(cfg.Mirror.NATSURL, mirror.NATSMirrorConfig{Bucket: cfg.Mirror.Bucket}, opts...)
		if err != nil {
			return fmt.Errorf("nats mirror: %w", err)
		}
		m = nm
	case config.MirrorRedis:
		rm, err := mirror.DialRedisMirror(ctx, &redis.Options{
			Addr:     cfg.Mirror.RedisAddr,
			Password: cfg.Mirror.RedisPassword,
			DB:       cfg.Mirror.RedisDB,
		}, mirror.DefaultRedisMirrorConfig())
		if err != nil {
			return fmt.Errorf("redis mirror: %w", err)
		}
		m = rm
	default:
		return fmt.Errorf("unknown mirror backend %q", cfg.Mirror.Backend)
	}

	events, err := reg.Watch()
	if err != nil {
		m.Close()
		return err
	}
	if err := mirror.Sync(ctx, m, reg.List()); err != nil {
		logger.Warn("mirror_sync_failed", map[string]interface{}{"error": err})
	}

	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Follow(mctx, m, reg, events, logger)
	}()

	seq.RegisterFunc("mirror", shutdown.PhaseMirror, func(ctx context.Context) error {
		reg.Unwatch(events)
		select {
		case <-done:
		case <-ctx.Done():
		}
		cancel()
		return m.Close()
	})
	return nil
}
