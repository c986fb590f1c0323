package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// LifecycleEvent mirrors a recording lifecycle notification on the bus.
type LifecycleEvent struct {
	Kind      string    `json:"kind"`
	AttemptID string    `json:"attempt_id,omitempty"`
	State     string    `json:"state"`
	Previous  string    `json:"previous,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingStored hands a finalized recording to downstream analysis.
type RecordingStored struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	DurationMS int64     `json:"duration_ms"`
	SampleRate int       `json:"sample_rate"`
	Format     string    `json:"format"`
	Degraded   bool      `json:"degraded"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// ControlRequest asks the capture runtime to start, stop or force-stop.
type ControlRequest struct {
	Trigger  string `json:"trigger,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	State       string `json:"state"`
	RecordingID int64  `json:"recording_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	SubjectEventPrefix      = "capture.event"
	SubjectRecordingStored  = "capture.recording.stored"
	SubjectControlStart     = "capture.control.start"
	SubjectControlStop      = "capture.control.stop"
	SubjectControlForceStop = "capture.control.force_stop"
)
