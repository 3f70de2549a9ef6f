package types

import (
	"fmt"
	"time"
)

// Checkpoint sources
const (
	SourceConversationCreate = "conversation_create"
	SourceConversationUpdate = "conversation_update"
	SourceConversationClose  = "conversation_close"
	SourceReactivation       = "reactivation"
)

// Version orders checkpoints of one conversation id. A conversation that is
// reopened after close starts a new generation, so its step may restart at zero.
type Version struct {
	Generation int `json:"generation"`
	Step       int `json:"step"`
}

// Less reports whether v orders strictly before o
func (v Version) Less(o Version) bool {
	if v.Generation != o.Generation {
		return v.Generation < o.Generation
	}
	return v.Step < o.Step
}

func (v Version) String() string {
	return fmt.Sprintf("g%d/s%d", v.Generation, v.Step)
}

// CheckpointMetadata describes a checkpoint without its payload
type CheckpointMetadata struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"thread_id"`
	Source         string    `json:"source" db:"source"`
	Step           int       `json:"step" db:"step"`
	Generation     int       `json:"generation" db:"generation"`
	ParentID       string    `json:"parent_checkpoint_id,omitempty" db:"parent_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	SizeBytes      int       `json:"size_bytes,omitempty" db:"size_bytes"`

	// Extra holds metadata fields written by newer versions
	Extra map[string]any `json:"-" db:"-"`
}

// Version returns the ordering key of the checkpoint
func (m CheckpointMetadata) Version() Version {
	return Version{Generation: m.Generation, Step: m.Step}
}

// Checkpoint is an immutable snapshot of conversation state
type Checkpoint struct {
	Metadata CheckpointMetadata
	State    *ConversationState

	// Extra holds top-level fields written by newer versions
	Extra map[string]any
}

// WriteIntent records one side-effecting action taken during a processing step
type WriteIntent struct {
	Action    string            `json:"action"`
	Args      map[string]string `json:"args,omitempty"`
	Result    string            `json:"result,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WriteIntentRecord groups the intents of one (conversation, step) pair
type WriteIntentRecord struct {
	ConversationID string        `json:"thread_id"`
	StepID         string        `json:"task_id"`
	Intents        []WriteIntent `json:"writes"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Find returns the recorded intent for an action, if any
func (r *WriteIntentRecord) Find(action string) (WriteIntent, bool) {
	if r == nil {
		return WriteIntent{}, false
	}
	for _, w := range r.Intents {
		if w.Action == action {
			return w, true
		}
	}
	return WriteIntent{}, false
}
