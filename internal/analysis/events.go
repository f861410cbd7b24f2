package analysis

import "github.com/pair-review/pair-review/internal/progress"

// RunTopic returns the pubsub topic carrying a run's progress events.
func RunTopic(runID string) string {
	return "run:" + runID
}

// Run progress event types, published to the run's topic.
const (
	EventVoiceStarted         = "voice_started"
	EventVoiceFinished        = "voice_finished"
	EventLevelStarted         = "level_started"
	EventLevelFinished        = "level_finished"
	EventOrchestrationStarted = "orchestration_started"
	EventRunFinished          = "run_finished"
)

// RunEvent is the payload published for every scheduler transition.
type RunEvent struct {
	Type     string   `json:"type"`
	RunID    string   `json:"run_id"`
	Level    int      `json:"level,omitempty"`
	Voice    string   `json:"voice,omitempty"`
	Status   string   `json:"status,omitempty"` // ok, err, cancelled
	State    string   `json:"state,omitempty"`  // run_finished only
	Count    int      `json:"count,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Publisher is the event sink for run progress.
type Publisher interface {
	Publish(topic string, payload any)
}

// RunPublisher forwards run events to the live pubsub broker and mirrors
// them into a progress broker keyed by the run topic, so a subscriber
// joining mid-run still sees everything that already happened. The
// run_finished event terminates the mirrored stream.
type RunPublisher struct {
	live      Publisher
	snapshots *progress.Broker
}

func NewRunPublisher(live Publisher, snapshots *progress.Broker) *RunPublisher {
	return &RunPublisher{live: live, snapshots: snapshots}
}

func (p *RunPublisher) Publish(topic string, payload any) {
	p.live.Publish(topic, payload)
	ev, ok := payload.(RunEvent)
	if !ok {
		return
	}
	if ev.Type == EventRunFinished {
		// Terminal either way; the payload's State carries the outcome.
		p.snapshots.Publish(topic, progress.EventComplete, ev)
		return
	}
	p.snapshots.Publish(topic, ev.Type, ev)
}
