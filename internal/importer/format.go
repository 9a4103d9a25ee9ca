package importer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// GroupChat is an exported chat transcript: conversation metadata plus the
// message list.
type GroupChat struct {
	Version          string           `json:"version"`
	ConversationMeta ConversationMeta `json:"conversation_meta"`
	ConversationList []ChatMessage    `json:"conversation_list"`
}

// ConversationMeta describes the chat the messages came from.
type ConversationMeta struct {
	Scene           string                `json:"scene,omitempty"`
	Name            string                `json:"name,omitempty"`
	Description     string                `json:"description,omitempty"`
	GroupID         string                `json:"group_id,omitempty"`
	CreatedAt       string                `json:"created_at,omitempty"`
	DefaultTimezone string                `json:"default_timezone,omitempty"`
	UserDetails     map[string]UserDetail `json:"user_details,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
}

// UserDetail is the directory entry for one participant.
type UserDetail struct {
	FullName   string `json:"full_name,omitempty"`
	Role       string `json:"role,omitempty"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
}

// ChatMessage is one message of the transcript.
type ChatMessage struct {
	MessageID  string      `json:"message_id"`
	CreateTime string      `json:"create_time"`
	Sender     string      `json:"sender"`
	SenderName string      `json:"sender_name,omitempty"`
	Type       string      `json:"type,omitempty"`
	Content    string      `json:"content"`
	ReferList  []Reference `json:"refer_list,omitempty"`
}

// Reference is an entry of refer_list. Exports use either a bare message id
// or an object carrying at least message_id.
type Reference struct {
	MessageID string `json:"message_id"`
}

func (r *Reference) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.MessageID = id
		return nil
	}
	var obj struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.MessageID = obj.MessageID
	return nil
}

const groupChatSchemaSrc = `{
  "type": "object",
  "required": ["version", "conversation_meta", "conversation_list"],
  "properties": {
    "version": {"type": "string"},
    "conversation_meta": {
      "type": "object",
      "properties": {
        "group_id": {"type": ["string", "null"]},
        "default_timezone": {"type": ["string", "null"]},
        "user_details": {"type": "object"}
      }
    },
    "conversation_list": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message_id", "create_time", "sender", "content"],
        "properties": {
          "message_id": {"type": "string", "minLength": 1},
          "create_time": {"type": "string", "minLength": 1},
          "sender": {"type": "string", "minLength": 1},
          "content": {"type": "string"},
          "refer_list": {
            "type": "array",
            "items": {
              "oneOf": [
                {"type": "string"},
                {"type": "object", "required": ["message_id"]}
              ]
            }
          }
        }
      }
    }
  }
}`

var groupChatSchema = jsonschema.MustCompileString("group_chat.json", groupChatSchemaSrc)

// ParseGroupChat validates data against the transcript format and decodes it.
func ParseGroupChat(data []byte) (*GroupChat, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := groupChatSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid group chat format: %w", err)
	}
	var chat GroupChat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("decode group chat: %w", err)
	}
	return &chat, nil
}

// Location resolves the transcript's default timezone, falling back to def.
func (c *GroupChat) Location(def *time.Location) (*time.Location, error) {
	tz := strings.TrimSpace(c.ConversationMeta.DefaultTimezone)
	if tz == "" {
		return def, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("default_timezone %q: %w", tz, err)
	}
	return loc, nil
}

// parseTimestamp accepts RFC 3339 or a naive timestamp interpreted in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid create_time %q", s)
}
