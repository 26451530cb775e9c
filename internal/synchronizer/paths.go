package synchronizer

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/jotsync/jotsync/internal/item"
	gitignore "github.com/sabhiram/go-gitignore"
)

// itemPattern matches item files at the target root.
const itemPattern = "*.md"

var defaultIgnoreLines = []string{
	"locks/",
	"temp/",
	item.ResourceDirName + "/",
	"info.json",
	// temp siblings of an in-progress put
	"*.tmp-*",
	".DS_Store",
}

// pathFilter decides which listing entries are sync items.
type pathFilter struct {
	ignore *gitignore.GitIgnore
}

func newPathFilter(extra []string) *pathFilter {
	lines := append(append([]string(nil), defaultIgnoreLines...), extra...)
	return &pathFilter{ignore: gitignore.CompileIgnoreLines(lines...)}
}

func (f *pathFilter) IsItemPath(p string) bool {
	if f.ignore.MatchesPath(p) {
		return false
	}
	ok, err := doublestar.Match(itemPattern, p)
	return err == nil && ok && item.IsSystemPath(p)
}
