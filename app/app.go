package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/config"
	"github.com/EPFLSWENT2024G1/partageix/internal/handler"
	"github.com/EPFLSWENT2024G1/partageix/internal/notification"
	"github.com/EPFLSWENT2024G1/partageix/internal/repository"
	"github.com/EPFLSWENT2024G1/partageix/internal/server"
	"github.com/EPFLSWENT2024G1/partageix/internal/service"
	"github.com/EPFLSWENT2024G1/partageix/internal/worker"
	"github.com/EPFLSWENT2024G1/partageix/migrations"
	"github.com/EPFLSWENT2024G1/partageix/pkg/kafka"
	"github.com/EPFLSWENT2024G1/partageix/pkg/logger"
	"github.com/EPFLSWENT2024G1/partageix/pkg/postgres"
)

func Run(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, "partageix")
	db, err := postgres.NewPostgresDB(context.Background(), &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return fmt.Errorf("db init %v", err)
	}
	repo, err := repository.NewRepository(db, log)
	if err != nil {
		return fmt.Errorf("repo init %v", err)
	}

	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("kafka producer %v", err)
	}
	enqueuer := notification.NewEnqueuer(producer, log)

	svc := service.NewService(repo, enqueuer, log)
	h := handler.New(svc, log)

	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)))
	go func() {
		if err := srv.Run(); err != nil {
			log.Error("server run", zap.Error(err))
		}
	}()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go worker.NewFinisher(svc, cfg.SweepInterval, log).Run(workerCtx)

	consumerGroup, err := kafka.NewConsumerGroup(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("kafka consumer group %v", err)
	}
	consumer := notification.NewConsumer(notification.NewLogSender(log), log)
	go func() {
		for {
			if err := consumerGroup.Consume(workerCtx, []string{kafka.NotificationTopic}, consumer); err != nil {
				log.Error("consumer group", zap.Error(err))
				return
			}
			if workerCtx.Err() != nil {
				return
			}
			// Consume returns on rebalance; re-arm before the next session
			consumer.Reset()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	termSig := <-sig

	log.Debug("Graceful shutdown", zap.Any("signal", termSig))

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err = srv.Stop(closeCtx); err != nil {
		log.Error("srv.Stop", zap.Error(err))
	}
	workerCancel()
	if err := consumerGroup.Close(); err != nil {
		log.Error("consumerGroup.Close", zap.Error(err))
	}
	if err := producer.Close(); err != nil {
		log.Error("producer.Close", zap.Error(err))
	}
	db.Close()
	log.Info("Graceful shutdown finished")
	return nil
}
