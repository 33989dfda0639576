// irrigationctl invia un comando start/stop su event/irrigationCommand/{zone}.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	irrigation "github.com/LeonardoBeccarini/agrimonitor/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/logger"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func main() {
	action := flag.String("action", messages.ActionStart, "start or stop")
	minutes := flag.Int("duration", messages.DefaultDurationMinutes, "run time in minutes (start only)")
	zone := flag.String("zone", "", "zone id (default main)")
	flag.Parse()

	log, err := logger.NewLogger(env("LOG_LEVEL", "info"), "console", "irrigationctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// validazione locale: stessi limiti applicati dal controller
	cmd, err := messages.IrrigationCommand{
		Action:          *action,
		DurationMinutes: *minutes,
		ZoneID:          *zone,
		IssuedAt:        time.Now().UTC(),
	}.Normalize()
	if err != nil {
		log.Fatal("invalid command", zap.Error(err))
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		log.Fatal("encode command", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := rabbitmq.NewRabbitMQConn(ctx, &rabbitmq.RabbitMQConfig{
		Host:     env("RABBITMQ_HOST", "localhost"),
		Port:     envInt("RABBITMQ_PORT", 1883),
		User:     env("RABBITMQ_USER", "guest"),
		Password: env("RABBITMQ_PASSWORD", "guest"),
		ClientID: fmt.Sprintf("irrigationctl-%d", os.Getpid()),
	}, log)
	if err != nil {
		log.Fatal("mqtt connect", zap.Error(err))
	}
	defer rabbitmq.CloseRabbitMQConn(client, log)

	topic := irrigation.CommandTopicPrefix + cmd.ZoneID
	if err := rabbitmq.NewPublisher(client, topic, log).PublishTo(topic, payload); err != nil {
		log.Fatal("publish command", zap.Error(err))
	}
	log.Info("command sent", zap.String("topic", topic), zap.String("action", cmd.Action),
		zap.Int("duration_minutes", cmd.DurationMinutes))
}
