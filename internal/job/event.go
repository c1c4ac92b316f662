package job

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/natcap/invest-compute/internal/dispatcher"
	"github.com/natcap/invest-compute/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeAccepted = "compute.job.accepted"
	EventTypeFinished = "compute.job.finished"
)

// FilteredEvents returns true if the event type should be sent based on the
// filter. An empty filter allows all events.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventNotifier turns lifecycle transitions into CloudEvents and hands them
// to the dispatcher for async delivery. A nil notifier is a no-op, used when
// callback delivery is disabled.
type EventNotifier struct {
	source     string
	dispatcher dispatcher.Dispatcher
}

// NewEventNotifier creates a notifier emitting events with the given source URI.
func NewEventNotifier(source string, d dispatcher.Dispatcher) *EventNotifier {
	return &EventNotifier{source: source, dispatcher: d}
}

// JobAccepted emits a compute.job.accepted event for the request's callback.
func (n *EventNotifier) JobAccepted(jobID string, req *Request) {
	n.emit(jobID, req, EventTypeAccepted, map[string]any{
		"jobId":     jobID,
		"processId": req.ProcessID,
		"status":    string(StateAccepted),
	})
}

// JobFinished emits a compute.job.finished event for the request's callback.
func (n *EventNotifier) JobFinished(jobID string, state State, req *Request) {
	n.emit(jobID, req, EventTypeFinished, map[string]any{
		"jobId":     jobID,
		"processId": req.ProcessID,
		"status":    string(state),
	})
}

func (n *EventNotifier) emit(jobID string, req *Request, eventType string, data map[string]any) {
	if n == nil || n.dispatcher == nil || req.Callback == nil {
		return
	}
	if !FilteredEvents(eventType, req.Callback.Events) {
		return
	}

	eventID := fmt.Sprintf("%s-%d", jobID, time.Now().UnixNano())
	err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     cloudevent.New(eventType, n.source, jobID, eventID, data),
		Destination: req.Callback.URL,
		SigningKey:  req.Callback.Key,
	})
	if err != nil {
		slog.Warn("Callback event dropped", "jobId", jobID, "type", eventType, "error", err)
	}
}
