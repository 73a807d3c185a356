// Package progress defines the event stream emitted by running crawl jobs
// and the hub that fans events out to sinks without blocking the crawl loop.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart  Stage = "JOB_START"
	StageJobDone   Stage = "JOB_DONE"
	StageJobError  Stage = "JOB_ERROR"
	StagePageStart Stage = "PAGE_START"
	StagePageDone  Stage = "PAGE_DONE"
)

// Event captures a single milestone of crawler progress.
type Event struct {
	// JobID uniquely identifies a job run using the 16-byte UUID form.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Domain scopes page events to a host label.
	Domain string
	// URL is the optional page URL.
	URL string
	// PageType carries the parser's classification for completed pages.
	PageType string
	// Words is the extracted word count for a successful page.
	Words int64
	// Success marks whether a PAGE_DONE fetch succeeded.
	Success bool
	// ErrorKind labels the failure classification for failed pages.
	ErrorKind string
	// Dur captures fetch latency for pages and total runtime for jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StagePageStart, StagePageDone:
		if e.Domain == "" {
			return errors.New("page events require a domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// JobIDBytes encodes a job ID string into the Event form. Returns the zero
// value when the ID is not a UUID.
func JobIDBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	var dest [16]byte
	copy(dest[:], parsed[:])
	return dest
}
