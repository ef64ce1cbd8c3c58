package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the milestone an Event reports.
type Stage string

// The run lifecycle stages an engine emits.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageFetch    Stage = "FETCH_DONE"
	StageRetry    Stage = "RETRY"
	StageError    Stage = "TASK_ERROR"
	StageItem     Stage = "ITEM"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes attached to fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// RunID uniquely identifies a crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC time the milestone happened, set by the emitter.
	TS time.Time
	// Stage says which milestone this is.
	Stage Stage
	// Host scopes fetch, retry, and error events to the target host.
	Host string
	// URL optionally carries the task URL, stripped of credentials.
	URL string
	// Method is the HTTP method of the task behind a fetch event.
	Method string
	// Attempt is the fetch attempt number, starting at 1.
	Attempt int
	// Bytes carries the response body size for fetch completions.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency and, on RUN_DONE, total run time.
	Dur time.Duration
	// Kind labels error events with the failure kind and RUN_DONE events
	// with a non-success result.
	Kind string
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate rejects events a sink could not attribute: without a run ID
// and timestamp an event is unplottable, and each stage has fields its
// consumers assume.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageItem:
	case StageFetch:
		if e.Host == "" {
			return errors.New("fetch requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch requires status class")
		}
	case StageRetry:
		if e.Host == "" {
			return errors.New("retry requires host")
		}
	case StageError:
		if e.Kind == "" {
			return errors.New("error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// RunUUID converts the binary run ID back to a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes converts a uuid.UUID to the array form Event carries.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus buckets an HTTP status code into its StatusClass.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
