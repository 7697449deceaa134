// Package main implements stratumd, the stratum mining pool server. It
// accepts miner connections, dispatches jobs consumed from Kafka, validates
// submitted shares and emits them downstream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yuchuanzhen/btcpool/internal/bitcoin"
	"github.com/yuchuanzhen/btcpool/internal/config"
	"github.com/yuchuanzhen/btcpool/internal/database/influx"
	"github.com/yuchuanzhen/btcpool/internal/database/postgres"
	"github.com/yuchuanzhen/btcpool/internal/database/redis"
	"github.com/yuchuanzhen/btcpool/internal/messaging"
	"github.com/yuchuanzhen/btcpool/internal/stratum"
	"github.com/yuchuanzhen/btcpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"server_id", cfg.ServerID,
		"simulator", cfg.Simulator,
	)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	pgClient, err := postgres.NewClient(cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	workers := postgres.NewWorkerRepository(pgClient.DB())

	userInfo := stratum.NewUserInfo(cfg.UserAPIURL, cfg.UserUpdateInterval, workers, logger)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = redis.NewClient(cfg.RedisAddr, cfg.ServerID)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, gauges disabled")
		}
	}

	var influxClient *influx.Client
	if cfg.InfluxURL != "" {
		influxClient, err = influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("influxdb unavailable, metrics disabled")
		}
	}

	server, err := stratum.NewServer(cfg, kafkaClient, userInfo, redisClient, influxClient, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create server")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// node block watcher, optional
	var watcher *bitcoin.BlockWatcher
	if cfg.BitcoinZMQAddr != "" {
		watcher, err = bitcoin.NewBlockWatcher(cfg.BitcoinZMQAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("block watcher unavailable")
		} else {
			go func() {
				_ = watcher.Listen(ctx, server.JobRepo().OnBlockHash)
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("server failed")
			cancel()
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	// closing the producers flushes pending share batches; bounded at 5s
	kafkaClosed := make(chan error, 1)
	go func() { kafkaClosed <- kafkaClient.Close() }()
	select {
	case err := <-kafkaClosed:
		if err != nil {
			logger.WithError(err).Error("failed to close kafka client")
		}
	case <-time.After(5 * time.Second):
		logger.Warn("kafka flush deadline exceeded")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if influxClient != nil {
		influxClient.Close()
	}
	if err := pgClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close postgres")
	}

	logger.Info("stratumd stopped")
}
