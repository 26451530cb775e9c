package fileapi

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListing serves a fixed set of stats in pages and counts the calls.
type fakeListing struct {
	stats    []Stat
	pageSize int
	calls    int
}

func (f *fakeListing) list(ctx context.Context, path string, opts ListOptions) (*ListResult, error) {
	f.calls++
	offset := 0
	if opts.Context != "" {
		offset, _ = strconv.Atoi(opts.Context)
	}
	end := min(offset+f.pageSize, len(f.stats))
	res := &ListResult{Items: append([]Stat(nil), f.stats[offset:end]...)}
	if end < len(f.stats) {
		res.HasMore = true
		res.Context = strconv.Itoa(end)
	}
	return res, nil
}

func (f *fakeListing) set(path string, ts int64) {
	for i := range f.stats {
		if f.stats[i].Path == path {
			f.stats[i].UpdatedTime = ts
			return
		}
	}
	f.stats = append(f.stats, Stat{Path: path, UpdatedTime: ts})
}

func (f *fakeListing) remove(path string) {
	for i := range f.stats {
		if f.stats[i].Path == path {
			f.stats = append(f.stats[:i], f.stats[i+1:]...)
			return
		}
	}
}

// drain runs delta calls until hasMore is false and returns every entry.
func drain(t *testing.T, l *fakeListing, dc *DeltaContext, limit int) ([]ChangeEntry, *DeltaContext) {
	t.Helper()
	var all []ChangeEntry
	for i := 0; i < 1000; i++ {
		res, err := BasicDelta(context.Background(), "", l.list, DeltaOptions{Context: dc, OutputLimit: limit})
		require.NoError(t, err)
		all = append(all, res.Items...)
		dc = res.Context
		if !res.HasMore {
			return all, dc
		}
	}
	t.Fatal("delta never finished")
	return nil, nil
}

func paths(entries []ChangeEntry, deleted bool) []string {
	var out []string
	for _, e := range entries {
		if e.IsDeleted == deleted {
			out = append(out, e.Path)
		}
	}
	return out
}

func TestBasicDelta_InitialAndIdempotent(t *testing.T) {
	l := &fakeListing{pageSize: 2}
	for i := 0; i < 5; i++ {
		l.set(fmt.Sprintf("%d.md", i), int64(100+i))
	}
	l.stats = append(l.stats, Stat{Path: "locks", IsDir: true, UpdatedTime: 1})

	entries, dc := drain(t, l, nil, 50)
	assert.ElementsMatch(t, []string{"0.md", "1.md", "2.md", "3.md", "4.md"}, paths(entries, false))
	assert.Empty(t, paths(entries, true))
	assert.True(t, dc.DeletedItemsProcessed)
	assert.Equal(t, 3, l.calls, "a pass lists every page")

	entries, _ = drain(t, l, dc, 50)
	assert.Empty(t, entries, "second pass with no remote changes must be empty")
}

func TestBasicDelta_ChangedAndNew(t *testing.T) {
	l := &fakeListing{pageSize: 10}
	l.set("a.md", 1)
	l.set("b.md", 2)
	_, dc := drain(t, l, nil, 50)

	l.set("a.md", 5)
	l.set("c.md", 3)
	entries, _ := drain(t, l, dc, 50)
	assert.Equal(t, []string{"c.md", "a.md"}, paths(entries, false), "ordered by updated_time")
}

func TestBasicDelta_ClockMovedBackwards(t *testing.T) {
	l := &fakeListing{pageSize: 10}
	l.set("a.md", 100)
	_, dc := drain(t, l, nil, 50)

	l.set("a.md", 50)
	entries, _ := drain(t, l, dc, 50)
	assert.Equal(t, []string{"a.md"}, paths(entries, false))
}

func TestBasicDelta_DeletesOnlyAfterFullPass(t *testing.T) {
	l := &fakeListing{pageSize: 2}
	for i := 0; i < 6; i++ {
		l.set(fmt.Sprintf("%d.md", i), int64(i+1))
	}
	_, dc := drain(t, l, nil, 50)

	l.remove("2.md")
	for i := 0; i < 6; i++ {
		if i != 2 {
			l.set(fmt.Sprintf("%d.md", i), int64(100+i))
		}
	}

	ctx := context.Background()
	res, err := BasicDelta(ctx, "", l.list, DeltaOptions{Context: dc, OutputLimit: 2})
	require.NoError(t, err)
	assert.True(t, res.HasMore)
	assert.Empty(t, paths(res.Items, true), "no deletion mid pass")
	assert.Len(t, res.Items, 2)

	var all []ChangeEntry
	all = append(all, res.Items...)
	rest, final := drain(t, l, res.Context, 2)
	all = append(all, rest...)

	assert.Equal(t, []string{"2.md"}, paths(all, true))
	assert.Len(t, paths(all, false), 5)
	assert.False(t, final.PassInProgress)
	assert.NotContains(t, final.StatIDsCache, "2.md")
}

func TestBasicDelta_ResumesFromPersistedContext(t *testing.T) {
	l := &fakeListing{pageSize: 100}
	for i := 0; i < 10; i++ {
		l.set(fmt.Sprintf("%02d.md", i), int64(i))
	}

	res, err := BasicDelta(context.Background(), "", l.list, DeltaOptions{OutputLimit: 4})
	require.NoError(t, err)
	require.True(t, res.HasMore)
	assert.Equal(t, 1, l.calls)

	// a new listing is not needed to continue a pass
	l.set("99.md", 1000)
	resumed := *res.Context
	rest, _ := drain(t, l, &resumed, 4)
	assert.Equal(t, 1, l.calls)
	assert.Len(t, append(res.Items, rest...), 10)
	assert.NotContains(t, paths(rest, false), "99.md")
}

func TestBasicDelta_PathFilter(t *testing.T) {
	l := &fakeListing{pageSize: 10}
	l.set("a.md", 1)
	l.set("info.json", 1)

	res, err := BasicDelta(context.Background(), "", l.list, DeltaOptions{
		PathFilter: func(p string) bool { return p != "info.json" },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, paths(res.Items, false))
}

func TestBasicDelta_DoesNotMutateInput(t *testing.T) {
	l := &fakeListing{pageSize: 10}
	l.set("a.md", 1)
	_, dc := drain(t, l, nil, 50)
	snapshot := *dc

	l.set("b.md", 2)
	_, _ = drain(t, l, dc, 50)
	assert.Equal(t, snapshot, *dc)
}
