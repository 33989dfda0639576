// Field device emulator: genera letture con lo stesso modello del server e le
// pubblica come report del dispositivo su sensor/device/{device-id}.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/agrimonitor/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/logger"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

func main() {
	deviceID := flag.String("device-id", "pico-1", "device identifier, also the topic suffix")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	count := flag.Int("count", 0, "reports to send, 0 = until interrupted")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	host := flag.String("host", "localhost", "MQTT broker host")
	port := flag.Int("port", 1883, "MQTT broker port")
	user := flag.String("user", "guest", "MQTT user")
	pass := flag.String("password", "guest", "MQTT password")
	flag.Parse()

	log, err := logger.NewLogger("info", "console", "device-emulator")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen, err := sensorSimulator.NewDataGenerator(entities.DefaultSpecs(), *seed, log)
	if err != nil {
		log.Fatal("generator init", zap.Error(err))
	}

	client, err := rabbitmq.NewRabbitMQConn(ctx, &rabbitmq.RabbitMQConfig{
		Host: *host, Port: *port, User: *user, Password: *pass,
		ClientID: "device-" + *deviceID,
	}, log)
	if err != nil {
		log.Fatal("mqtt connect", zap.Error(err))
	}
	defer rabbitmq.CloseRabbitMQConn(client, log)

	topic := sensorSimulator.DeviceTopicPrefix + *deviceID
	publisher := rabbitmq.NewPublisher(client, topic, log)
	idle := entities.IrrigationState{Status: entities.IrrigationIdle}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for sent := 0; *count == 0 || sent < *count; sent++ {
		now := time.Now().UTC()
		readings, errs := gen.GenerateAll(now, idle)
		for t, err := range errs {
			log.Warn("sensor skipped", zap.String("sensor_type", string(t)), zap.Error(err))
		}
		payload, err := json.Marshal(messages.NewDeviceReport(*deviceID, now, readings))
		if err != nil {
			log.Fatal("encode report", zap.Error(err))
		}
		if err := publisher.PublishMessage(payload); err != nil {
			log.Warn("publish failed", zap.Error(err))
		} else {
			log.Info("report published", zap.String("topic", topic), zap.Int("values", len(readings)))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
