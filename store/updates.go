package store

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sicko7947/mangaflow"
)

// Typed partial updates. A nil field is left untouched.

// StoryUpdate lists the mutable fields of a Story
type StoryUpdate struct {
	Status       *mangaflow.Status
	Title        *string
	ContentPath  *string
	ErrorMessage *string
}

// EpisodeUpdate lists the mutable fields of an Episode
type EpisodeUpdate struct {
	Status       *mangaflow.Status
	Title        *string
	ContentPath  *string
	ErrorMessage *string
}

// RequestUpdate lists the mutable fields of a GenerationRequest
type RequestUpdate struct {
	Status          *mangaflow.Status
	RelatedEntityID *string
	ErrorMessage    *string
}

// ContinuationUpdate lists the mutable fields of an EpisodeContinuation
type ContinuationUpdate struct {
	Status       *mangaflow.Status
	EpisodeID    *string
	ErrorMessage *string
}

// WorkflowUpdate lists the directly mutable fields of a BatchWorkflow.
// Counters change only through RecordBatchOutcome and CancelWorkflow.
type WorkflowUpdate struct {
	Status       *mangaflow.Status
	ErrorMessage *string
}

type fieldSet map[string]types.AttributeValue

func (f fieldSet) str(name string, v *string) {
	if v != nil {
		f[name] = stringValue(*v)
	}
}

func (f fieldSet) status(v *mangaflow.Status) {
	if v != nil {
		f[mangaflow.AttrStatus] = stringValue(string(*v))
	}
}

func (u StoryUpdate) fields() fieldSet {
	f := fieldSet{}
	f.status(u.Status)
	f.str("title", u.Title)
	f.str("content_path", u.ContentPath)
	f.str("error_message", u.ErrorMessage)
	return f
}

func (u EpisodeUpdate) fields() fieldSet {
	f := fieldSet{}
	f.status(u.Status)
	f.str("title", u.Title)
	f.str("content_path", u.ContentPath)
	f.str("error_message", u.ErrorMessage)
	return f
}

func (u RequestUpdate) fields() fieldSet {
	f := fieldSet{}
	f.status(u.Status)
	f.str("related_entity_id", u.RelatedEntityID)
	f.str("error_message", u.ErrorMessage)
	return f
}

func (u ContinuationUpdate) fields() fieldSet {
	f := fieldSet{}
	f.status(u.Status)
	f.str("episode_id", u.EpisodeID)
	f.str("error_message", u.ErrorMessage)
	return f
}

func (u WorkflowUpdate) fields() fieldSet {
	f := fieldSet{}
	f.status(u.Status)
	f.str("error_message", u.ErrorMessage)
	return f
}

// transition builds the update for a field set. Any status change is
// guarded so an entity never leaves a terminal status.
func transition(f fieldSet, now time.Time) mangaflow.Update {
	set := map[string]types.AttributeValue(f)
	set[mangaflow.AttrUpdatedAt] = stringValue(now.UTC().Format(time.RFC3339Nano))

	cond := mangaflow.Condition{MustExist: true}
	if _, ok := set[mangaflow.AttrStatus]; ok {
		cond.StatusNotIn = mangaflow.TerminalStatuses
	}
	return mangaflow.Update{Set: set, Condition: cond}
}
