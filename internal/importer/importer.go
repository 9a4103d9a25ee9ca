// Package importer replays exported chat transcripts through the memory
// engine so their episodes are extracted as if the messages had arrived
// live.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Ingester is the engine surface the importer drives.
type Ingester interface {
	Ingest(ctx context.Context, msg types.Message) (*engine.IngestResult, error)
	Flush(ctx context.Context, conversationID string) (extraction.Result, error)
}

// Options controls how transcript messages are attributed.
type Options struct {
	// GroupID overrides conversation_meta.group_id.
	GroupID string
	// UserID owns the conversation when the transcript has no group id.
	UserID string
	// Location interprets naive timestamps when the transcript carries no
	// default_timezone. Defaults to UTC.
	Location *time.Location
	// Flush closes the trailing episode once every message is ingested.
	Flush bool
	// Progress, when set, is called after each message.
	Progress func(Progress)
}

// Progress carries live progress of an import.
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	MessageID string `json:"message_id,omitempty"`
}

// Result summarizes a completed import.
type Result struct {
	ConversationID  string        `json:"conversation_id"`
	MessagesFound   int           `json:"messages_found"`
	Ingested        int           `json:"ingested"`
	Duplicates      int           `json:"duplicates"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	Deferred        int           `json:"deferred"`
	MemoriesCreated int           `json:"memories_created"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration_ns"`
}

// Importer replays transcripts into an Ingester.
type Importer struct {
	engine Ingester
	logger *slog.Logger
}

// New creates an importer over eng.
func New(eng Ingester, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{engine: eng, logger: logger}
}

// ImportFile reads and imports the transcript at path.
func (imp *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	chat, err := ParseGroupChat(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return imp.Import(ctx, chat, opts)
}

// Import ingests the transcript's messages in create_time order. Messages
// that are not text, are empty or are rejected as invalid are counted and
// skipped; any other engine error aborts the import.
func (imp *Importer) Import(ctx context.Context, chat *GroupChat, opts Options) (*Result, error) {
	start := time.Now()

	groupID := strings.TrimSpace(opts.GroupID)
	if groupID == "" {
		groupID = strings.TrimSpace(chat.ConversationMeta.GroupID)
	}
	userID := strings.TrimSpace(opts.UserID)
	if groupID == "" && userID == "" {
		return nil, fmt.Errorf("%w: transcript has no group_id; pass a group or user id", storage.ErrInvalidInput)
	}
	def := opts.Location
	if def == nil {
		def = time.UTC
	}
	loc, err := chat.Location(def)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	result := &Result{MessagesFound: len(chat.ConversationList)}
	msgs := make([]types.Message, 0, len(chat.ConversationList))
	for _, cm := range chat.ConversationList {
		if cm.Type != "" && cm.Type != "text" {
			result.Skipped++
			continue
		}
		if strings.TrimSpace(cm.Content) == "" {
			result.Skipped++
			continue
		}
		at, err := parseTimestamp(cm.CreateTime, loc)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cm.MessageID, err))
			continue
		}
		msgs = append(msgs, types.Message{
			MessageID:  cm.MessageID,
			GroupID:    groupID,
			UserID:     userID,
			Sender:     cm.Sender,
			SenderName: senderName(cm, chat.ConversationMeta.UserDetails),
			CreateTime: at,
			Content:    cm.Content,
			ReferList:  referIDs(cm.ReferList),
		})
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreateTime.Before(msgs[j].CreateTime) })

	if len(msgs) > 0 {
		result.ConversationID = msgs[0].ConversationID()
	}
	imp.logger.Info("import: starting", "conversation_id", result.ConversationID, "messages", len(msgs))

	for i, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := imp.engine.Ingest(ctx, msg)
		switch {
		case errors.Is(err, storage.ErrInvalidInput):
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", msg.MessageID, err))
		case err != nil:
			return result, fmt.Errorf("ingest %s: %w", msg.MessageID, err)
		case res.Duplicate:
			result.Duplicates++
		default:
			result.Ingested++
			result.MemoriesCreated += len(res.Memories)
			if res.Deferred {
				result.Deferred++
			}
		}
		if opts.Progress != nil {
			opts.Progress(Progress{Processed: i + 1, Total: len(msgs), MessageID: msg.MessageID})
		}
	}

	if opts.Flush && result.ConversationID != "" {
		out, err := imp.engine.Flush(ctx, result.ConversationID)
		if err != nil {
			return result, fmt.Errorf("flush %s: %w", result.ConversationID, err)
		}
		result.MemoriesCreated += len(out.Memories)
	}

	result.Duration = time.Since(start)
	imp.logger.Info("import: complete",
		"conversation_id", result.ConversationID,
		"ingested", result.Ingested,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"memories", result.MemoriesCreated)
	return result, nil
}

func senderName(cm ChatMessage, users map[string]UserDetail) string {
	if cm.SenderName != "" {
		return cm.SenderName
	}
	return users[cm.Sender].FullName
}

func referIDs(refs []Reference) []string {
	var ids []string
	for _, r := range refs {
		if r.MessageID != "" {
			ids = append(ids, r.MessageID)
		}
	}
	return ids
}
