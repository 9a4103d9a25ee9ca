package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/syn-zhu/EverMemOS/internal/attribution"
	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/notify"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
	"github.com/syn-zhu/EverMemOS/web/handlers"
)

// withEngine runs fn against a started engine and closes the store after.
// Engine events are written to the data directory so a running server can
// relay them to its websocket clients.
func (c *cli) withEngine(ctx context.Context, fn func(ctx context.Context, eng *engine.MemoryEngine) error) error {
	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	writer := notify.NewEventWriter(c.cfg.Storage.DataPath)
	handlers.Forward(a.engine, func(e handlers.Event) {
		if err := writer.Emit(e.Type, e.Data); err != nil {
			c.logger.Warn("notify: emit failed", "type", e.Type, "err", err)
		}
	})
	return a.run(ctx, fn)
}

// parseTime reads a CLI timestamp in the configured timezone.
func (c *cli) parseTime(s string, endOfDay bool) (*time.Time, error) {
	loc, err := c.cfg.Location()
	if err != nil {
		return nil, err
	}
	return retrieval.ParseTime(s, loc, endOfDay)
}

func newIngestCmd(c *cli) *cobra.Command {
	var msg types.Message
	var createTime string
	cmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Ingest one message",
		Long: "Append a message to its conversation's buffer. When the message closes an\n" +
			"episode the extracted memories are printed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg.Content = strings.Join(args, " ")
			if msg.Sender == "" {
				msg.Sender = attribution.DetectSender()
			}
			t, err := c.parseTime(createTime, false)
			if err != nil {
				return err
			}
			if t != nil {
				msg.CreateTime = *t
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				res, err := eng.Ingest(ctx, msg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"status_info": res.Status,
					"duplicate":   res.Duplicate,
					"deferred":    res.Deferred,
					"count":       len(res.Memories),
					"memories":    nonNil(res.Memories),
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&msg.MessageID, "message-id", "", "Message id (required)")
	f.StringVarP(&msg.GroupID, "group-id", "g", "", "Group conversation id")
	f.StringVarP(&msg.UserID, "user-id", "u", "", "User id (conversation owner when no group)")
	f.StringVarP(&msg.Sender, "sender", "s", "", "Sender id (default: $EVERMEM_SENDER, $USER or git user.name)")
	f.StringVar(&msg.SenderName, "sender-name", "", "Sender display name")
	f.StringVar(&createTime, "create-time", "", "Message time, RFC3339 or naive in the configured timezone (default: now)")
	f.StringSliceVar(&msg.ReferList, "refer", nil, "Referenced message ids")
	_ = cmd.MarkFlagRequired("message-id")
	return cmd
}

func newFetchCmd(c *cli) *cobra.Command {
	var (
		owner                    types.Scope
		memoryType               string
		opts                     storage.FetchOptions
		start, end, current      string
		versionStart, versionEnd int
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "List one owner's memories of one type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mt, ok := types.ParseMemoryType(memoryType)
			if !ok {
				return fmt.Errorf("unknown memory type %q", memoryType)
			}
			var err error
			if opts.StartTime, err = c.parseTime(start, false); err != nil {
				return err
			}
			if opts.EndTime, err = c.parseTime(end, true); err != nil {
				return err
			}
			if opts.CurrentTime, err = c.parseTime(current, false); err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("version-start") || f.Changed("version-end") {
				opts.VersionRange = &types.VersionRange{}
				if f.Changed("version-start") {
					opts.VersionRange.Start = &versionStart
				}
				if f.Changed("version-end") {
					opts.VersionRange.End = &versionEnd
				}
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				res, err := eng.Fetch(ctx, owner, mt, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"memories":    nonNil(res.Items),
					"total_count": res.Total,
					"has_more":    res.HasMore,
					"page":        res.Page,
					"limit":       res.PageSize,
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&owner.UserID, "user-id", "u", "", "Owner user id")
	f.StringVarP(&owner.GroupID, "group-id", "g", "", "Owner group id")
	f.StringVarP(&memoryType, "type", "t", string(types.MemoryTypeEpisodic), "Memory type")
	f.IntVarP(&opts.Limit, "limit", "l", 0, "Page size (default 40, max 500)")
	f.IntVarP(&opts.Page, "page", "p", 1, "Page number")
	f.StringVar(&opts.SortBy, "sort-by", "", "timestamp, created_at or version")
	f.StringVar(&opts.SortOrder, "sort-order", "", "desc or asc")
	f.StringVar(&start, "start", "", "Earliest timestamp")
	f.StringVar(&end, "end", "", "Latest timestamp; a bare date covers the whole day")
	f.StringVar(&current, "current-time", "", "Foresight validity instant")
	f.IntVar(&versionStart, "version-start", 0, "Lowest profile version")
	f.IntVar(&versionEnd, "version-end", 0, "Highest profile version")
	return cmd
}

func newSearchCmd(c *cli) *cobra.Command {
	var (
		req                 retrieval.Request
		method              string
		memoryTypes         []string
		radius              float64
		start, end, current string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories",
		Long: "Search extracted memories within a user or group scope. Pending messages of\n" +
			"the scope are returned alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			var err error
			if req.Method, err = retrieval.ParseMethod(method); err != nil {
				return err
			}
			for _, t := range memoryTypes {
				mt, ok := types.ParseMemoryType(t)
				if !ok {
					return fmt.Errorf("unknown memory type %q", t)
				}
				req.MemoryTypes = append(req.MemoryTypes, mt)
			}
			if cmd.Flags().Changed("radius") {
				req.Radius = &radius
			}
			if req.StartTime, err = c.parseTime(start, false); err != nil {
				return err
			}
			if req.EndTime, err = c.parseTime(end, true); err != nil {
				return err
			}
			if req.CurrentTime, err = c.parseTime(current, false); err != nil {
				return err
			}
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				res, err := eng.Search(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Scope.UserID, "user-id", "u", "", "User scope")
	f.StringVarP(&req.Scope.GroupID, "group-id", "g", "", "Group scope")
	f.StringVarP(&method, "method", "m", string(retrieval.MethodKeyword), "keyword, vector, hybrid, rrf or agentic")
	f.IntVarP(&req.TopK, "top-k", "k", 0, "Result budget (default 40, max 100)")
	f.StringSliceVarP(&memoryTypes, "types", "t", nil, "Memory types to search (default episodic_memory)")
	f.Float64Var(&radius, "radius", 0, "Minimum cosine similarity for vector candidates")
	f.StringVar(&start, "start", "", "Earliest timestamp")
	f.StringVar(&end, "end", "", "Latest timestamp; a bare date covers the whole day")
	f.StringVar(&current, "current-time", "", "Foresight validity instant")
	f.IntVar(&req.Page, "page", 0, "Page number")
	f.IntVar(&req.PageSize, "page-size", 0, "Groups per page (default top-k)")
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	var filter storage.DeleteFilter
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Soft delete memories",
		Long:  "Soft delete every memory matching all given filters. At least one filter is required.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				n, err := eng.Delete(ctx, filter)
				if err != nil {
					return err
				}
				shown := filter
				shown.Normalize()
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"filters": map[string]string{
						"event_id": shown.EventID,
						"user_id":  shown.UserID,
						"group_id": shown.GroupID,
					},
					"count": n,
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&filter.EventID, "event-id", "e", "", "Memory id")
	f.StringVarP(&filter.UserID, "user-id", "u", "", "Owner user id")
	f.StringVarP(&filter.GroupID, "group-id", "g", "", "Owner group id")
	return cmd
}

func newFlushCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <conversation-id>",
		Short: "Force extraction of a conversation's buffer",
		Long:  "Close the buffered episode of a conversation (its group id, or user id for 1:1 chats) now.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(ctx context.Context, eng *engine.MemoryEngine) error {
				res, err := eng.Flush(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"status_info": res.Status,
					"count":       len(res.Memories),
					"memories":    nonNil(res.Memories),
				})
			})
		},
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
