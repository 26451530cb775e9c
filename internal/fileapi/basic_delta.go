package fileapi

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

const DefaultDeltaOutputLimit = 50

// ChangeEntry is one remote change. Deleted entries carry the last known
// UpdatedTime.
type ChangeEntry struct {
	Path        string `json:"path"`
	UpdatedTime int64  `json:"updated_time"`
	IsDeleted   bool   `json:"isDeleted,omitempty"`
}

type PathTime struct {
	Path        string `json:"path"`
	UpdatedTime int64  `json:"updated_time"`
}

// DeltaContext is the resumable state of the basic delta algorithm. It is
// plain data and is meant to be persisted between calls.
//
// StatsCache and StatIDsCache describe the last completed pass. While a pass
// is in progress, PendingStats holds the full fresh listing sorted by
// (updated_time, path) and Cursor is the position reached in it.
type DeltaContext struct {
	Timestamp             int64      `json:"timestamp"`
	StatsCache            []PathTime `json:"statsCache,omitempty"`
	StatIDsCache          []string   `json:"statIdsCache,omitempty"`
	PendingStats          []PathTime `json:"pendingStats,omitempty"`
	PassInProgress        bool       `json:"passInProgress,omitempty"`
	Cursor                int        `json:"cursor"`
	DeletedItemsProcessed bool       `json:"deletedItemsProcessed"`
}

type DeltaOptions struct {
	Context     *DeltaContext
	OutputLimit int
	PageSize    int
	// PathFilter limits which listing entries are tracked. Nil tracks all files.
	PathFilter func(path string) bool
	Now        func() time.Time
}

type DeltaResult struct {
	Items   []ChangeEntry `json:"items"`
	HasMore bool          `json:"hasMore"`
	Context *DeltaContext `json:"context"`
}

type ListFunc func(ctx context.Context, path string, opts ListOptions) (*ListResult, error)

// BasicDelta computes remote changes for backends without a change feed by
// diffing a full listing against the snapshot kept in the delta context.
//
// Each pass starts by listing every page under path. Changed and new entries
// are then returned OutputLimit at a time. Deletions are only reported once
// the whole fresh listing has been walked, in the call that ends the pass
// with HasMore false. The input context is never modified.
func BasicDelta(ctx context.Context, path string, list ListFunc, opts DeltaOptions) (*DeltaResult, error) {
	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultDeltaOutputLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dc := DeltaContext{}
	if opts.Context != nil {
		dc = *opts.Context
	}

	if !dc.PassInProgress {
		snapshot, err := listAll(ctx, path, list, opts)
		if err != nil {
			return nil, err
		}
		dc.PendingStats = snapshot
		dc.PassInProgress = true
		dc.Cursor = 0
		dc.DeletedItemsProcessed = false
	}

	previous := make(map[string]int64, len(dc.StatsCache))
	for _, s := range dc.StatsCache {
		previous[s.Path] = s.UpdatedTime
	}

	var out []ChangeEntry
	for dc.Cursor < len(dc.PendingStats) && len(out) < limit {
		s := dc.PendingStats[dc.Cursor]
		dc.Cursor++
		if prev, ok := previous[s.Path]; ok && prev == s.UpdatedTime {
			continue
		}
		out = append(out, ChangeEntry{Path: s.Path, UpdatedTime: s.UpdatedTime})
	}

	if dc.Cursor < len(dc.PendingStats) {
		return &DeltaResult{Items: out, HasMore: true, Context: &dc}, nil
	}

	current := make([]string, len(dc.PendingStats))
	for i, s := range dc.PendingStats {
		current[i] = s.Path
	}
	sort.Strings(current)

	for _, p := range dc.StatIDsCache {
		i := sort.SearchStrings(current, p)
		if i < len(current) && current[i] == p {
			continue
		}
		out = append(out, ChangeEntry{Path: p, UpdatedTime: previous[p], IsDeleted: true})
	}

	dc.StatsCache = dc.PendingStats
	dc.StatIDsCache = current
	dc.PendingStats = nil
	dc.PassInProgress = false
	dc.Cursor = 0
	dc.DeletedItemsProcessed = true
	dc.Timestamp = now().UnixMilli()

	return &DeltaResult{Items: out, HasMore: false, Context: &dc}, nil
}

func listAll(ctx context.Context, path string, list ListFunc, opts DeltaOptions) ([]PathTime, error) {
	var (
		snapshot []PathTime
		marker   string
	)
	seen := mapset.NewThreadUnsafeSet[string]()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := list(ctx, path, ListOptions{Context: marker, PageSize: opts.PageSize})
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", path, err)
		}
		for _, st := range page.Items {
			if st.IsDir || (opts.PathFilter != nil && !opts.PathFilter(st.Path)) {
				continue
			}
			// a listing that shifts under us may repeat an entry across pages
			if !seen.Add(st.Path) {
				continue
			}
			snapshot = append(snapshot, PathTime{Path: st.Path, UpdatedTime: st.UpdatedTime})
		}
		if !page.HasMore {
			break
		}
		if page.Context == "" || page.Context == marker {
			return nil, fmt.Errorf("list %q: driver reported more pages without a new continuation marker", path)
		}
		marker = page.Context
	}

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].UpdatedTime != snapshot[j].UpdatedTime {
			return snapshot[i].UpdatedTime < snapshot[j].UpdatedTime
		}
		return snapshot[i].Path < snapshot[j].Path
	})
	return snapshot, nil
}
