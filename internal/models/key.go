package models

import "fmt"

// KeyKind is the kind of scope a group of records belongs to.
type KeyKind string

const (
	// KeyJobs scopes all jobs of one job type.
	KeyJobs KeyKind = "jobs"
	// KeyRun scopes one run and its messages.
	KeyRun KeyKind = "run"
	// KeyConversation scopes one chat conversation.
	KeyConversation KeyKind = "conversation"
)

// Key addresses one cell of the record store and one push channel.
type Key struct {
	Kind  KeyKind `json:"kind"`
	Scope string  `json:"scope"`
}

// JobsKey returns the key for all jobs of type t.
func JobsKey(t JobType) Key { return Key{Kind: KeyJobs, Scope: string(t)} }

// RunKey returns the key for a single run.
func RunKey(runID string) Key { return Key{Kind: KeyRun, Scope: runID} }

// ConversationKey returns the key for a conversation.
func ConversationKey(conversationID string) Key {
	return Key{Kind: KeyConversation, Scope: conversationID}
}

// Valid reports whether the key has a known kind and a scope.
func (k Key) Valid() bool {
	switch k.Kind {
	case KeyJobs, KeyRun, KeyConversation:
		return k.Scope != ""
	}
	return false
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.Scope)
}
