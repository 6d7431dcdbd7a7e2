package events

import (
	"encoding/json"
	"fmt"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// envelope is the self-describing encoding used by the journal.
type envelope struct {
	Kind        Kind                `json:"kind"`
	Key         models.Key          `json:"key"`
	Jobs        []models.Job        `json:"jobs,omitempty"`
	RunMessage  *models.RunMessage  `json:"runMessage,omitempty"`
	ChatMessage *models.ChatMessage `json:"chatMessage,omitempty"`
	IDs         []string            `json:"ids,omitempty"`
	Failed      bool                `json:"failed,omitempty"`
}

// Marshal encodes an event with its variant tag.
func Marshal(ev Event) ([]byte, error) {
	env := envelope{Kind: ev.Kind(), Key: ev.Target()}
	switch e := ev.(type) {
	case StatusBatch:
		env.Jobs = e.Jobs
	case Snapshot:
		env.Jobs = e.Jobs
	case RunMessage:
		env.RunMessage = &e.Message
	case ChatMessage:
		env.ChatMessage = &e.Message
		env.Failed = e.Message.Failed
	case Evict:
		env.IDs = e.IDs
	}
	return json.Marshal(env)
}

// Unmarshal decodes an event produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Kind {
	case KindStatusBatch:
		return StatusBatch{Key: env.Key, Jobs: env.Jobs}, nil
	case KindSnapshot:
		return Snapshot{Key: env.Key, Jobs: env.Jobs}, nil
	case KindRunMessage:
		if env.RunMessage == nil {
			return nil, fmt.Errorf("%w: run message envelope without message", ErrMalformed)
		}
		return RunMessage{Message: *env.RunMessage}, nil
	case KindChatMessage:
		if env.ChatMessage == nil {
			return nil, fmt.Errorf("%w: chat envelope without message", ErrMalformed)
		}
		msg := *env.ChatMessage
		msg.Failed = env.Failed
		return ChatMessage{Key: env.Key, Message: msg}, nil
	case KindEvict:
		return Evict{Key: env.Key, IDs: env.IDs}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
}
