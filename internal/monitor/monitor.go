package monitor

import (
	"context"
	"log"
	"time"

	"omnex-core/internal/events"
)

// alertTopics are the bus events the monitor forwards to the sink.
var alertTopics = []events.Event{
	events.EventHealthAlert,
	events.EventReconDrift,
	events.EventStuckAllocation,
	events.EventAllocationDenied,
}

// Monitor watches alert topics on the bus and forwards them to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor: not fully configured, skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64, alertTopics...)
	go m.forward(ctx, stream, unsub)
}

func (m *Monitor) forward(ctx context.Context, stream <-chan events.Message, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if err := m.Sink.Send(formatAlert(msg)); err != nil {
				log.Printf("monitor: alert delivery: %v", err)
			}
		}
	}
}

func formatAlert(msg events.Message) string {
	return "[" + msg.At.Format(time.RFC3339) + "] " + string(msg.Topic) + ": " + toString(msg.Payload)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case interface{ String() string }:
		return t.String()
	default:
		return "alert triggered"
	}
}

// LogSink writes alerts to the process log. The default sink when no
// external delivery is configured.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("ALERT %s", message)
	return nil
}
