package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ups-monitor/config"
	"ups-monitor/internal/api"
	"ups-monitor/internal/collector"
	"ups-monitor/internal/notify"
	"ups-monitor/internal/nut"
	"ups-monitor/internal/shutdown"
	"ups-monitor/internal/stats"
	"ups-monitor/internal/storage"
	"ups-monitor/internal/ups"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ups-monitor",
		Short: "UPS statistics monitor",
		Long:  "Monitors a NUT-managed UPS, records load and battery statistics, and shuts down dependent hosts when the battery runs low",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, API server, MQTT publisher, and shutdown controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Create NUT client
			nutClient := nut.NewClient(
				cfg.NUT.Host,
				cfg.NUT.Port,
				cfg.NUT.UPSName,
				cfg.NUT.Timeout,
			)

			// Create database
			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			log.Printf("Database opened at %s", cfg.Database.Path)

			// Create MQTT publisher
			publisher, err := notify.NewPublisher(notify.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
			})
			if err != nil {
				log.Printf("Warning: MQTT connection failed: %v", err)
			} else if cfg.MQTT.Enabled {
				log.Printf("MQTT connected to %s", cfg.MQTT.Broker)
			}

			// Create aggregation engine
			engine := stats.NewEngine(stats.EngineConfig{
				Database: db,
				DownGap:  cfg.Stats.DownGap,
				CacheTTL: cfg.Stats.CacheTTL,
			})

			// Create shutdown controller
			var controller *shutdown.Controller
			if cfg.Shutdown.Enabled {
				targets := make([]shutdown.Target, 0, len(cfg.Shutdown.Targets))
				for _, t := range cfg.Shutdown.Targets {
					targets = append(targets, shutdown.Target{
						Host:    t.Host,
						Port:    t.Port,
						User:    t.User,
						KeyPath: t.KeyPath,
						Command: t.Command,
					})
				}
				controller = shutdown.NewController(shutdown.ControllerConfig{
					Database:       db,
					Executor:       shutdown.NewSSHExecutor(),
					Targets:        targets,
					ThresholdPct:   cfg.Shutdown.ThresholdPct,
					HysteresisPct:  cfg.Shutdown.HysteresisPct,
					Attempts:       cfg.Shutdown.Attempts,
					Backoff:        cfg.Shutdown.Backoff,
					AttemptTimeout: cfg.Shutdown.AttemptTimeout,
					OnOutcome: func(host, outcome string, attempts int) {
						if publisher == nil {
							return
						}
						if pubErr := publisher.PublishEvent(notify.EventShutdown, notify.EventPayload{
							TargetHost: host,
							Outcome:    outcome,
							Attempts:   attempts,
						}); pubErr != nil {
							log.Printf("Error publishing shutdown event: %v", pubErr)
						}
					},
				})
				log.Printf("Shutdown controller armed at %.1f%% for %d target(s)",
					cfg.Shutdown.ThresholdPct, len(targets))
			}

			// Create collector
			collCfg := collector.CollectorConfig{
				Client:                 nutClient,
				Database:               db,
				Engine:                 engine,
				Controller:             controller,
				Interval:               cfg.Collector.Interval,
				Retention:              cfg.Database.Retention,
				LowBatteryThresholdPct: cfg.Shutdown.ThresholdPct,
				Enabled:                cfg.Collector.Enabled,
			}
			if publisher != nil {
				collCfg.Publisher = publisher
			}
			coll := collector.NewCollector(collCfg)

			// Setup context for graceful shutdown
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Handle signals
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// Start collector in goroutine
			go func() {
				if err := coll.Start(ctx); err != nil {
					log.Printf("Collector error: %v", err)
				}
			}()

			// Start API server if enabled
			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:                 cfg.API.Port,
					Collector:            coll,
					Database:             db,
					Engine:               engine,
					ShutdownThresholdPct: cfg.Shutdown.ThresholdPct,
				})

				go func() {
					if err := server.Start(); err != nil {
						log.Printf("API server error: %v", err)
					}
				}()
			}

			log.Println("UPS Monitor started. Press Ctrl+C to stop.")

			// Wait for signal
			<-sigChan
			log.Println("Shutting down...")
			cancel()

			// Drain in-flight API requests before the store goes away.
			if server != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := server.Stop(stopCtx); err != nil {
					log.Printf("API server shutdown error: %v", err)
				}
				stopCancel()
			}
			coll.Stop()

			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read UPS state once",
		Long:  "Query the NUT daemon once and print the parsed reading",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			client := nut.NewClient(cfg.NUT.Host, cfg.NUT.Port, cfg.NUT.UPSName, cfg.NUT.Timeout)
			defer client.Close()

			reading, err := pollOnce(client)
			if err != nil {
				return fmt.Errorf("failed to read UPS data: %w", err)
			}

			output, _ := json.MarshalIndent(reading, "", "  ")
			fmt.Println(string(output))

			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the NUT daemon",
		Long:  "Test the TCP connection to the NUT daemon and read the UPS state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Testing connection to %s:%d (UPS %q)...\n",
				cfg.NUT.Host, cfg.NUT.Port, cfg.NUT.UPSName)

			client := nut.NewClient(cfg.NUT.Host, cfg.NUT.Port, cfg.NUT.UPSName, cfg.NUT.Timeout)
			defer client.Close()

			reading, err := pollOnce(client)
			if err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}

			fmt.Println("Connection SUCCESS!")
			fmt.Printf("\nCurrent State:\n")
			fmt.Printf("  Status:  %s (%s)\n", reading.Status, reading.StatusRaw)
			fmt.Printf("  Charge:  %.1f%%\n", reading.ChargePct)
			fmt.Printf("  Load:    %.1f%%\n", reading.LoadPct)
			if reading.RuntimeEstimate != nil {
				fmt.Printf("  Runtime: %s\n", reading.RuntimeEstimate)
			}

			return nil
		},
	}
}

func pollOnce(client *nut.Client) (*ups.Reading, error) {
	vars, err := client.Poll()
	if err != nil {
		return nil, err
	}
	return ups.ParseReading(vars, time.Now())
}
