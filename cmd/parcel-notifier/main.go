package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ParcelPilot/ParcelDesk/config"
	"github.com/ParcelPilot/ParcelDesk/internal/broker/kafka"
	"github.com/ParcelPilot/ParcelDesk/internal/services/notifier"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "package.updated"
	}
	consumerGroup := cfg.ParcelDesk.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "parcel-notifier"
	}
	httpAddr := cfg.ParcelDesk.NotifierHTTPAddr
	if httpAddr == "" {
		httpAddr = ":8082"
	}

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	n := notifier.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runParcelNotifier(ctx, notifierOpts{
		httpAddr:      httpAddr,
		topic:         topic,
		consumerGroup: consumerGroup,
	}, n, consumer); err != nil && err != context.Canceled {
		panic(err)
	}
}
