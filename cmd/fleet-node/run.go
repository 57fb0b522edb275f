package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetlink/agent"
	"github.com/vinayprograms/fleetlink/bus"
	"github.com/vinayprograms/fleetlink/config"
	"github.com/vinayprograms/fleetlink/credentials"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
	"github.com/vinayprograms/fleetlink/shutdown"
)

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	deviceType, _ := cmd.Flags().GetString("device-type")
	nodeID, _ := cmd.Flags().GetString("node-id")

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	creds, credsPath, err := credentials.Load()
	if err != nil {
		return fmt.Errorf("credentials %s: %w", credsPath, err)
	}
	cfg.ApplyCredentials(creds)
	if deviceType != "" {
		cfg.Node.DeviceType = deviceType
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}

	logger := logging.New().WithComponent("fleet-node")
	logger.SetLevel(cfg.LogLevel())
	defer logger.Sync()

	// The client id is the node id; MQTTDialer fills it in.
	a, err := agent.New(agent.Config{
		NodeID:      cfg.Node.ID,
		DeviceType:  cfg.Node.DeviceType,
		Dial:        bus.MQTTDialer(cfg.MQTT("")),
		GracePeriod: cfg.Node.GracePeriod.Duration,
		Logger:      logger,
		TaskHandler: func(_ context.Context, task protocol.Task) error {
			logger.Info("task_received", map[string]interface{}{
				"task_id": task.TaskID,
				"command": task.Command(),
			})
			return nil
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	seq := shutdown.New(shutdown.Config{Logger: logger})
	seq.Register("agent", shutdown.PhaseNode, a)
	seq.HandleSignals()

	logger.Info("fleet_node_ready", map[string]interface{}{
		"node_id":     a.ID(),
		"device_type": a.DeviceType(),
		"broker":      cfg.Broker.URL,
	})

	select {
	case <-seq.Done():
	case err := <-runDone:
		// The task subscription ended underneath us; exit through the same
		// ordered path.
		logger.Warn("task_stream_ended", map[string]interface{}{"error": err})
		seq.RunWithTimeout(0)
	}
	return nil
}
