package storage

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a concurrent write lost a uniqueness race.
	ErrConflict = errors.New("conflict")
)

// Fetch pagination limits.
const (
	DefaultFetchLimit = 40
	MaxFetchLimit     = 500

	// MaxOffset bounds how far into a result set a page may start.
	MaxOffset = math.MaxInt32
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// FetchOptions provides pagination, sorting and filters for owner-keyed fetches.
type FetchOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 40, max: 500).
	Limit int

	// SortBy is one of "timestamp" (default), "created_at", "version".
	SortBy string

	// SortOrder is "asc" or "desc" (default).
	SortOrder string

	// StartTime and EndTime bound the memory timestamp (inclusive).
	StartTime *time.Time
	EndTime   *time.Time

	// VersionRange restricts profile versions. When nil, profile fetches
	// return only the latest version per owner.
	VersionRange *types.VersionRange

	// CurrentTime restricts foresight fetches to memories active at that instant.
	CurrentTime *time.Time
}

// Normalize applies defaults and clamps limits.
func (o *FetchOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"timestamp":  true,
		"created_at": true,
		"version":    true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = "timestamp"
	}

	o.SortOrder = strings.ToLower(o.SortOrder)
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}

	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = DefaultFetchLimit
	}

	if o.Limit > MaxFetchLimit {
		o.Limit = MaxFetchLimit
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
// It saturates at MaxOffset.
func (o *FetchOptions) Offset() int {
	return PageOffset(o.Page, o.Limit)
}

// PageOffset is the index of the first item of a 1-indexed page, capped at
// MaxOffset.
func PageOffset(page, size int) int {
	if page <= 1 || size <= 0 {
		return 0
	}
	if page-1 > MaxOffset/size {
		return MaxOffset
	}
	return (page - 1) * size
}

// ValidPage reports whether a page of the given size starts within MaxOffset.
func ValidPage(page, size int) bool {
	return page <= 1 || size <= 0 || page-1 <= MaxOffset/size
}

// ValidateFetch checks an owner-keyed fetch request before it reaches storage.
func ValidateFetch(owner types.Scope, memoryType types.MemoryType, opts FetchOptions) error {
	if !memoryType.IsValid() {
		return fmt.Errorf("%w: unknown memory_type %q", ErrInvalidInput, memoryType)
	}
	if isWildcard(owner.UserID) && isWildcard(owner.GroupID) {
		return fmt.Errorf("%w: user_id and group_id cannot both be %s", ErrInvalidInput, types.Wildcard)
	}
	limit := opts.Limit
	if limit < 1 {
		limit = DefaultFetchLimit
	}
	if !ValidPage(opts.Page, min(limit, MaxFetchLimit)) {
		return fmt.Errorf("%w: page %d is out of range", ErrInvalidInput, opts.Page)
	}
	if !opts.VersionRange.IsZero() {
		if !memoryType.Versioned() {
			return fmt.Errorf("%w: version_range is only supported for %s", ErrInvalidInput, types.MemoryTypeProfile)
		}
		r := opts.VersionRange
		if r.Start != nil && r.End != nil && *r.Start > *r.End {
			return fmt.Errorf("%w: version_range start %d is after end %d", ErrInvalidInput, *r.Start, *r.End)
		}
	}
	if opts.StartTime != nil && opts.EndTime != nil && opts.StartTime.After(*opts.EndTime) {
		return fmt.Errorf("%w: start_time is after end_time", ErrInvalidInput)
	}
	return nil
}

// DeleteFilter is a conjunction over event, user and group. A field holding
// the wildcard (or left empty) does not constrain the match.
type DeleteFilter struct {
	EventID string
	UserID  string
	GroupID string
}

// Normalize replaces empty fields with the wildcard.
func (f *DeleteFilter) Normalize() {
	for _, p := range []*string{&f.EventID, &f.UserID, &f.GroupID} {
		*p = strings.TrimSpace(*p)
		if *p == "" {
			*p = types.Wildcard
		}
	}
}

// Validate rejects a filter whose every predicate is the wildcard.
func (f DeleteFilter) Validate() error {
	if isWildcard(f.EventID) && isWildcard(f.UserID) && isWildcard(f.GroupID) {
		return fmt.Errorf("%w: at least one of event_id, user_id, group_id must be set", ErrInvalidInput)
	}
	return nil
}

func isWildcard(s string) bool {
	return s == "" || s == types.Wildcard
}

// IsWildcard reports whether an owner filter value does not constrain a query.
func IsWildcard(s string) bool {
	return isWildcard(s)
}

// AppendStatus reports the outcome of a buffer append.
type AppendStatus string

// Append status constants
const (
	AppendAccepted  AppendStatus = "accepted"
	AppendDuplicate AppendStatus = "duplicate"
)

// AppendResult is returned by MessageBuffer.Append.
type AppendResult struct {
	Status AppendStatus
	Entry  types.BufferEntry
}

// PendingFilter selects buffered entries for retrieval.
type PendingFilter struct {
	// ConversationID restricts to one buffer when set.
	ConversationID string

	// Scope matches entries by group, or by owning user or sender.
	Scope types.Scope

	// StartTime and EndTime bound create_time (inclusive).
	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the number of entries (0 = no limit).
	Limit int
}

// RetrievalFilter narrows index queries to a scope, types and time range.
type RetrievalFilter struct {
	Scope       types.Scope
	MemoryTypes []types.MemoryType
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
}

// Matches reports whether a hydrated memory satisfies the filter.
func (f RetrievalFilter) Matches(m *types.Memory) bool {
	if m == nil || m.Deleted {
		return false
	}
	if !f.Scope.Matches(m) {
		return false
	}
	if len(f.MemoryTypes) > 0 {
		ok := false
		for _, t := range f.MemoryTypes {
			if m.MemoryType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StartTime != nil && m.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && m.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// KeywordQuery is a lexical search request.
type KeywordQuery struct {
	RetrievalFilter
	Query string
}

// VectorQuery is a similarity search request.
type VectorQuery struct {
	RetrievalFilter
	Vector        []float32
	MinSimilarity float64
}

// ScoredID is an index hit.
type ScoredID struct {
	ID    string
	Score float64
}
