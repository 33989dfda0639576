package irrigation_controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/dedup"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

const CommandTopicPrefix = "event/irrigationCommand/"

// CommandListener riceve comandi di irrigazione via MQTT (topic event/irrigationCommand/{zone}).
type CommandListener struct {
	consumer rabbitmq.IConsumer[mqtt.Message]
	ctrl     *Controller
	deduper  *dedup.Deduper
	onResult func(action, outcome string)
	log      *zap.Logger
}

func NewCommandListener(consumer rabbitmq.IConsumer[mqtt.Message], ctrl *Controller, deduper *dedup.Deduper, logger *zap.Logger) *CommandListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandListener{consumer: consumer, ctrl: ctrl, deduper: deduper, log: logger}
}

// OnResult is called with the command action and one of "ok", "conflict", "invalid".
func (l *CommandListener) OnResult(fn func(action, outcome string)) { l.onResult = fn }

func (l *CommandListener) Start(ctx context.Context) {
	l.consumer.SetHandler(l.handleCommand)
	l.consumer.ConsumeMessage(ctx)
}

func (l *CommandListener) handleCommand(_ string, msg mqtt.Message) error {
	// dedup prima di unmarshal: scarta redelivery QoS1 identiche
	if l.deduper != nil && !l.deduper.ShouldProcess(dedup.Key(msg.Topic(), msg.Payload())) {
		return nil
	}

	var cmd messages.IrrigationCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		l.result("unknown", "invalid")
		return fmt.Errorf("bad irrigation command payload: %w", err)
	}
	if cmd.ZoneID == "" {
		cmd.ZoneID = strings.TrimPrefix(msg.Topic(), CommandTopicPrefix)
		if strings.Contains(cmd.ZoneID, "/") || cmd.ZoneID == msg.Topic() {
			cmd.ZoneID = ""
		}
	}

	st, err := l.ctrl.Execute(cmd)
	action := cmd.Action
	if action == "" && cmd.Activate != nil {
		action = map[bool]string{true: messages.ActionStart, false: messages.ActionStop}[*cmd.Activate]
	}
	switch {
	case errors.Is(err, entities.ErrIrrigationConflict):
		l.result(action, "conflict")
		l.log.Warn("irrigation command rejected", zap.String("zone", cmd.ZoneID), zap.Error(err))
		return nil
	case err != nil:
		l.result(action, "invalid")
		return err
	}
	l.result(action, "ok")
	l.log.Info("irrigation command applied", zap.String("action", action), zap.String("status", string(st.Status)))
	return nil
}

func (l *CommandListener) result(action, outcome string) {
	if l.onResult != nil {
		l.onResult(action, outcome)
	}
}
