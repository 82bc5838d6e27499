package test

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// EventData captures the fields of a recorded event.
type EventData struct {
	EventType string
	Reason    string
	Message   string
}

// FakeEventRecorder accumulates events in memory so tests can assert on
// what a reconciliation emitted.
type FakeEventRecorder struct {
	Events []*EventData
}

// Event implements the controller's EventRecorder interface.
func (f *FakeEventRecorder) Event(object runtime.Object, eventtype, reason, message string) {
	f.Events = append(f.Events, &EventData{
		EventType: eventtype,
		Reason:    reason,
		Message:   message,
	})
}

// Reset discards the recorded events.
func (f *FakeEventRecorder) Reset() {
	f.Events = nil
}
