package status

import (
	"context"
	"errors"

	"github.com/meterpoint/metersync/internal/collect"
	"github.com/meterpoint/metersync/internal/infrastructure/logging"
	"github.com/meterpoint/metersync/internal/infrastructure/mqtt"
	"github.com/meterpoint/metersync/internal/uplink"
)

// UploadTrigger starts an upload cycle outside the schedule.
// Implemented by uplink.Manager.
type UploadTrigger interface {
	TriggerUpload(ctx context.Context) error
}

// CollectTrigger runs a collection cycle outside the schedule.
// Implemented by collect.Runner.
type CollectTrigger interface {
	RunCycle(ctx context.Context) (collect.Summary, error)
}

// Subscriber is the MQTT surface the listener needs.
// Implemented by mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// CommandListenerConfig configures a CommandListener.
type CommandListenerConfig struct {
	// Subscriber receives command messages. Required.
	Subscriber Subscriber

	// Topics is the agent's topic scheme. Required (AgentID must be set).
	Topics mqtt.Topics

	// Uploader handles "upload" commands. Optional; unset commands are
	// acknowledged with a warning.
	Uploader UploadTrigger

	// Collector handles "collect" commands. Optional.
	Collector CollectTrigger

	// QoS for the command subscription. Default: 1.
	QoS byte

	// Logger is required.
	Logger *logging.Logger
}

// CommandListener subscribes to the agent's command topic and turns
// operator messages into upload or collection triggers. Cycles run on
// their own goroutines so the MQTT handler never blocks; a command that
// lands while the same cycle is already in flight is a logged no-op.
type CommandListener struct {
	cfg CommandListenerConfig
}

// NewCommandListener validates config and returns a listener ready to
// Start.
func NewCommandListener(cfg CommandListenerConfig) (*CommandListener, error) {
	if cfg.Subscriber == nil {
		return nil, errors.New("status: subscriber is required")
	}
	if cfg.Topics.AgentID == "" {
		return nil, errors.New("status: topics agent ID is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("status: logger is required")
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}

	return &CommandListener{cfg: cfg}, nil
}

// Start subscribes to the command topic. The given context bounds any
// cycles triggered by received commands.
func (l *CommandListener) Start(ctx context.Context) error {
	topic := l.cfg.Topics.AllCommands()
	if err := l.cfg.Subscriber.Subscribe(topic, l.cfg.QoS, l.handler(ctx)); err != nil {
		return err
	}

	l.cfg.Logger.Info("listening for remote commands", "topic", topic)
	return nil
}

// handler returns the MQTT message handler bound to ctx.
func (l *CommandListener) handler(ctx context.Context) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		action, ok := l.cfg.Topics.CommandAction(topic)
		if !ok {
			l.cfg.Logger.Warn("ignoring message on unrecognised command topic", "topic", topic)
			return nil
		}

		switch action {
		case mqtt.CommandUpload:
			l.triggerUpload(ctx)
		case mqtt.CommandCollect:
			l.triggerCollect(ctx)
		default:
			l.cfg.Logger.Warn("unknown remote command", "action", action)
		}
		return nil
	}
}

func (l *CommandListener) triggerUpload(ctx context.Context) {
	if l.cfg.Uploader == nil {
		l.cfg.Logger.Warn("upload command received but no uploader wired")
		return
	}

	l.cfg.Logger.Info("upload cycle requested via MQTT")
	go func() {
		err := l.cfg.Uploader.TriggerUpload(ctx)
		switch {
		case err == nil:
		case errors.Is(err, uplink.ErrUploadInFlight):
			l.cfg.Logger.Info("upload command ignored, cycle already in flight")
		default:
			l.cfg.Logger.Error("remote upload trigger failed", "error", err)
		}
	}()
}

func (l *CommandListener) triggerCollect(ctx context.Context) {
	if l.cfg.Collector == nil {
		l.cfg.Logger.Warn("collect command received but no collector wired")
		return
	}

	l.cfg.Logger.Info("collection cycle requested via MQTT")
	go func() {
		_, err := l.cfg.Collector.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, collect.ErrCycleInFlight):
			l.cfg.Logger.Info("collect command ignored, cycle already in flight")
		default:
			l.cfg.Logger.Error("remote collection trigger failed", "error", err)
		}
	}()
}
