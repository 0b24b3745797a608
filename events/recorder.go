package events

import (
	"context"
	"sync"

	"github.com/sicko7947/mangaflow"
)

// Recorder is a Publisher that keeps every event in memory. Set Err to
// make Publish fail, or use FailOn to fail a single detail type.
type Recorder struct {
	mu     sync.Mutex
	events []mangaflow.Event
	failOn map[string]error
	Err    error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records evt
func (r *Recorder) Publish(ctx context.Context, evt mangaflow.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if err := r.failOn[evt.DetailType]; err != nil {
		return err
	}
	r.events = append(r.events, prepare(ctx, evt))
	return nil
}

// FailOn makes Publish return err for events of detailType. A nil err
// clears the failure.
func (r *Recorder) FailOn(detailType string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failOn, detailType)
		return
	}
	if r.failOn == nil {
		r.failOn = make(map[string]error)
	}
	r.failOn[detailType] = err
}

// Events returns every recorded event in publish order
func (r *Recorder) Events() []mangaflow.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mangaflow.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given detail type
func (r *Recorder) OfType(detailType string) []mangaflow.Event {
	var out []mangaflow.Event
	for _, evt := range r.Events() {
		if evt.DetailType == detailType {
			out = append(out, evt)
		}
	}
	return out
}

// Reset drops every recorded event
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
