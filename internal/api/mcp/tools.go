package mcp

type schema = map[string]interface{}

func str(desc string) schema { return schema{"type": "string", "description": desc} }
func integer(desc string) schema { return schema{"type": "integer", "description": desc} }

func strList(desc string) schema {
	return schema{"type": "array", "items": schema{"type": "string"}, "description": desc}
}

// buildToolsList returns the tool definitions advertised by tools/list.
func buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name: "memorize",
			Description: "Record one chat message. Messages accumulate per conversation (the group id, or the user id " +
				"for 1:1 chats) until an episode boundary, when memories are extracted and returned. Re-sending a " +
				"message_id is a no-op.",
			InputSchema: schema{
				"type":     "object",
				"required": []string{"message_id", "content"},
				"properties": schema{
					"message_id":  str("Unique message id (required)"),
					"group_id":    str("Group conversation id"),
					"user_id":     str("User id; owns the conversation when there is no group"),
					"sender":      str("Sender id. Auto-detected if not provided."),
					"sender_name": str("Sender display name"),
					"create_time": str("RFC3339 timestamp; without an offset the server timezone applies. Default now."),
					"content":     str("Message text (required)"),
					"refer_list":  strList("Ids of messages this one replies to"),
				},
			},
		},
		{
			Name:        "fetch_memories",
			Description: "List one owner's memories of one type, newest first, with pagination and time filters.",
			InputSchema: schema{
				"type": "object",
				"properties": schema{
					"user_id":       str("Owner user id"),
					"group_id":      str("Owner group id"),
					"memory_type":   schema{"type": "string", "enum": []string{"episodic_memory", "profile", "foresight", "event_log"}, "description": "Default episodic_memory"},
					"limit":         integer("Page size (default 40, max 500)"),
					"page":          integer("Page number, from 1"),
					"sort_by":       str("timestamp, created_at or version"),
					"sort_order":    str("desc or asc"),
					"start_time":    str("Earliest timestamp"),
					"end_time":      str("Latest timestamp; a bare date covers the whole day"),
					"current_time":  str("Only foresight valid at this instant"),
					"version_start": integer("Lowest profile version"),
					"version_end":   integer("Highest profile version"),
				},
			},
		},
		{
			Name: "search_memories",
			Description: "Search memories within a user or group scope. Results are grouped by conversation and " +
				"include messages still waiting for extraction.",
			InputSchema: schema{
				"type": "object",
				"properties": schema{
					"user_id":         str("User scope"),
					"group_id":        str("Group scope"),
					"query":           str("Search text; required except for keyword listing"),
					"retrieve_method": schema{"type": "string", "enum": []string{"keyword", "vector", "hybrid", "rrf", "agentic"}},
					"top_k":           integer("Result budget (default 40, max 100)"),
					"memory_types":    strList("Types to search (default episodic_memory)"),
					"radius":          schema{"type": "number", "minimum": 0, "maximum": 1, "description": "Minimum cosine similarity"},
					"start_time":      str("Earliest timestamp"),
					"end_time":        str("Latest timestamp"),
					"current_time":    str("Foresight validity instant"),
					"page":            integer("Page number"),
					"page_size":       integer("Groups per page"),
				},
			},
		},
		{
			Name:        "delete_memories",
			Description: "Soft delete every memory matching all given filters. At least one filter is required.",
			InputSchema: schema{
				"type": "object",
				"properties": schema{
					"event_id": str("Memory id"),
					"user_id":  str("Owner user id"),
					"group_id": str("Owner group id"),
				},
			},
		},
		{
			Name:        "flush_conversation",
			Description: "Close a conversation's buffered episode now and extract its memories.",
			InputSchema: schema{
				"type":     "object",
				"required": []string{"conversation_id"},
				"properties": schema{
					"conversation_id": str("Group id, or user id for 1:1 chats"),
				},
			},
		},
	}
}
