// Package events defines the closed set of events the merge engine applies,
// and decodes push-channel payloads into them at the transport boundary.
package events

import (
	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// Kind tags an event variant.
type Kind string

const (
	// KindStatusBatch is a snapshot list of jobs with new statuses (server push).
	KindStatusBatch Kind = "status_batch"
	// KindRunMessage is a single run message (server push).
	KindRunMessage Kind = "run_message"
	// KindChatMessage is a chat token/message, possibly the DONE sentinel (server push).
	KindChatMessage Kind = "chat_message"
	// KindSnapshot upserts jobs from an initial fetch or a submit response (local).
	KindSnapshot Kind = "snapshot"
	// KindEvict removes terminal jobs from the monitored set after decay (local).
	KindEvict Kind = "evict"
)

// Event is one of StatusBatch, RunMessage, ChatMessage, Snapshot or Evict.
// The set is closed: only this package can add variants.
type Event interface {
	// Kind returns the variant tag.
	Kind() Kind
	// Target returns the store key the event applies to.
	Target() models.Key
	sealed()
}

// StatusBatch carries the latest version of a set of jobs. Only jobs already
// present in the store are replaced.
type StatusBatch struct {
	Key  models.Key
	Jobs []models.Job
}

// RunMessage appends a message to a run.
type RunMessage struct {
	Message models.RunMessage
}

// ChatMessage inserts or updates a chat message, or signals stream completion
// when its content is the DONE sentinel.
type ChatMessage struct {
	Key     models.Key
	Message models.ChatMessage
}

// Snapshot upserts jobs into a key, inserting unknown ones.
type Snapshot struct {
	Key  models.Key
	Jobs []models.Job
}

// Evict drops terminal jobs from the monitored set of a key.
// An empty IDs list evicts every terminal job of the key.
type Evict struct {
	Key models.Key
	IDs []string
}

func (StatusBatch) Kind() Kind { return KindStatusBatch }
func (RunMessage) Kind() Kind  { return KindRunMessage }
func (ChatMessage) Kind() Kind { return KindChatMessage }
func (Snapshot) Kind() Kind    { return KindSnapshot }
func (Evict) Kind() Kind       { return KindEvict }

func (e StatusBatch) Target() models.Key { return e.Key }
func (e RunMessage) Target() models.Key  { return models.RunKey(e.Message.RunID) }
func (e ChatMessage) Target() models.Key { return e.Key }
func (e Snapshot) Target() models.Key    { return e.Key }
func (e Evict) Target() models.Key       { return e.Key }

func (StatusBatch) sealed() {}
func (RunMessage) sealed()  {}
func (ChatMessage) sealed() {}
func (Snapshot) sealed()    {}
func (Evict) sealed()       {}

// ChatKey returns the store key a chat message belongs to: its conversation
// when set, otherwise its run.
func ChatKey(m models.ChatMessage) models.Key {
	if m.ConversationID != "" {
		return models.ConversationKey(m.ConversationID)
	}
	return models.RunKey(m.RunID)
}
