// Package events defines the NATS event contracts for the resampler
// service.
package events

import "time"

// EventHeader carries the identity and provenance of an event through the
// pipeline. The WorkflowID groups every event belonging to one render job;
// the EventID is unique per message.
type EventHeader struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
}

// RenderRequestedEvent asks the worker to render one note. The voicebank
// sample is referenced by its object-store key; timing fields are in
// milliseconds and pitch bend is the run-length base64 encoding used on the
// resampler wire protocol.
type RenderRequestedEvent struct {
	Header        EventHeader `json:"header"`
	SampleKey     string      `json:"sample_key"`
	NotePitch     string      `json:"note_pitch"`
	Velocity      float64     `json:"velocity"`
	Flags         string      `json:"flags"`
	OffsetMS      float64     `json:"offset_ms"`
	LengthMS      float64     `json:"length_ms"`
	ConsonantMS   float64     `json:"consonant_ms"`
	CutoffMS      float64     `json:"cutoff_ms"`
	Volume        float64     `json:"volume"`
	Modulation    float64     `json:"modulation"`
	Tempo         string      `json:"tempo"`
	PitchBend     string      `json:"pitch_bend"`
	CacheWarmOnly bool        `json:"cache_warm_only"`
}

// Terminal states of a render job.
const (
	RenderStatusDone   = "done"
	RenderStatusFailed = "failed"
)

// Error kinds carried by a failed RenderCompletedEvent, mirroring the
// pipeline error taxonomy.
const (
	ErrorKindInvalidTiming    = "invalid_timing"
	ErrorKindExtractionFailed = "extraction_failed"
	ErrorKindCacheCorrupt     = "cache_corrupt"
	ErrorKindInferenceFailed  = "inference_failed"
	ErrorKindIOFailure        = "io_failure"
	ErrorKindInternal         = "internal"
)

// RenderCompletedEvent is the reply published when a render job reaches a
// terminal state. On success the AudioKey locates the rendered WAV in the
// object store (empty for a cache-warm-only request); on failure the
// ErrorKind names the pipeline stage class that rejected the job.
type RenderCompletedEvent struct {
	Header          EventHeader `json:"header"`
	Status          string      `json:"status"`
	AudioKey        string      `json:"audio_key"`
	DurationSeconds float64     `json:"duration_seconds"`
	ErrorKind       string      `json:"error_kind,omitempty"`
}
