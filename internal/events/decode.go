package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// ErrMalformed indicates a payload that cannot be decoded into any event variant.
// Channels drop such payloads and stay open.
var ErrMalformed = errors.New("malformed event payload")

// Decode turns one push-channel payload received on key into an event.
//
// name is the optional frame name (the SSE "event:" field). When it is empty
// the variant is chosen from the key kind and the payload shape: a JSON array
// is a status batch, an object with a "role" is a chat message. On a run key
// an object with a "status" and no "content" is the run's status, any other
// object is a run message.
func Decode(key models.Key, name string, data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	kind, err := classify(key, Kind(name), data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindStatusBatch:
		jobs, err := decodeJobs(data)
		if err != nil {
			return nil, err
		}
		return StatusBatch{Key: key, Jobs: jobs}, nil

	case KindRunMessage:
		var msg models.RunMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: run message: %v", ErrMalformed, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: run message without id", ErrMalformed)
		}
		if msg.RunID == "" {
			msg.RunID = key.Scope
		}
		return RunMessage{Message: msg}, nil

	case KindChatMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: chat message: %v", ErrMalformed, err)
		}
		if msg.ID == "" && !msg.IsDone() {
			return nil, fmt.Errorf("%w: chat message without id", ErrMalformed)
		}
		switch key.Kind {
		case models.KeyConversation:
			if msg.ConversationID == "" {
				msg.ConversationID = key.Scope
			}
		case models.KeyRun:
			if msg.RunID == "" {
				msg.RunID = key.Scope
			}
		}
		return ChatMessage{Key: key, Message: msg}, nil
	}

	return nil, fmt.Errorf("%w: event %q not accepted on %s", ErrMalformed, kind, key)
}

// classify picks the variant for a payload once, at the boundary.
func classify(key models.Key, named Kind, data []byte) (Kind, error) {
	switch named {
	case KindStatusBatch, KindRunMessage, KindChatMessage:
		return named, nil
	case "jobs", "status":
		return KindStatusBatch, nil
	case "message":
		if key.Kind == models.KeyConversation {
			return KindChatMessage, nil
		}
		return KindRunMessage, nil
	case "chat", "token", "completion":
		return KindChatMessage, nil
	case "":
	default:
		return "", fmt.Errorf("%w: unknown event name %q", ErrMalformed, named)
	}

	switch data[0] {
	case '[':
		return KindStatusBatch, nil
	case '{':
	default:
		return "", fmt.Errorf("%w: expected JSON object or array", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := fields["jobs"]; ok {
		return KindStatusBatch, nil
	}

	switch key.Kind {
	case models.KeyJobs:
		return KindStatusBatch, nil
	case models.KeyConversation:
		return KindChatMessage, nil
	case models.KeyRun:
		if _, ok := fields["role"]; ok {
			return KindChatMessage, nil
		}
		if isStatusUpdate(fields) {
			return KindStatusBatch, nil
		}
		return KindRunMessage, nil
	}
	return "", fmt.Errorf("%w: unknown key kind %q", ErrMalformed, key.Kind)
}

// isStatusUpdate reports whether an object on a run channel is the run's own
// status record rather than a message: it has a status and no content.
func isStatusUpdate(fields map[string]json.RawMessage) bool {
	_, hasStatus := fields["status"]
	_, hasContent := fields["content"]
	return hasStatus && !hasContent
}

// decodeJobs accepts a bare array, a {"jobs": [...]} wrapper or a single job object.
func decodeJobs(data []byte) ([]models.Job, error) {
	var jobs []models.Job
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &jobs); err != nil {
			return nil, fmt.Errorf("%w: status batch: %v", ErrMalformed, err)
		}
	default:
		var wrapper struct {
			Jobs []models.Job `json:"jobs"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: status batch: %v", ErrMalformed, err)
		}
		jobs = wrapper.Jobs
		if jobs == nil {
			var single models.Job
			if err := json.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("%w: status batch: %v", ErrMalformed, err)
			}
			jobs = []models.Job{single}
		}
	}
	for i, j := range jobs {
		if j.ID == "" {
			return nil, fmt.Errorf("%w: job %d without id", ErrMalformed, i)
		}
	}
	return jobs, nil
}
