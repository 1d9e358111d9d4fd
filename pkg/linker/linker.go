// Package linker resolves #include directives into a dependency DAG and
// produces the topologically concatenated translation unit handed to the
// parser and code generator.
package linker

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrCycle is returned when the include graph is not acyclic.
	ErrCycle = errors.New("linker: include cycle")

	// ErrSelfInclude is returned when a file includes itself.
	ErrSelfInclude = errors.New("linker: file includes itself")
)

// Source fetches the raw text of an include path. The kernel backs this
// with the VFS.
type Source interface {
	ReadSource(path string) (string, error)
}

var includeRe = regexp.MustCompile(`(?m)^[ \t]*#include[ \t]+"([^"]+)"[ \t]*$`)

// Linker caches per-path stripped text and dependency edges across
// compilations.
type Linker struct {
	src      Source
	stripped map[string]string
	deps     map[string][]string
}

// New creates a linker over the given source.
func New(src Source) *Linker {
	return &Linker{
		src:      src,
		stripped: make(map[string]string),
		deps:     make(map[string][]string),
	}
}

// Invalidate drops the cache entry for one path (used when a file is
// rewritten in the VFS).
func (l *Linker) Invalidate(path string) {
	delete(l.stripped, path)
	delete(l.deps, path)
}

// normalize maps a bare identifier include to /bin/<identifier>.
func normalize(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/bin/" + path
}

// load fetches, strips, and caches one path's text and edges.
func (l *Linker) load(path string) error {
	if _, ok := l.stripped[path]; ok {
		return nil
	}
	text, err := l.src.ReadSource(path)
	if err != nil {
		return fmt.Errorf("linker: reading %s: %w", path, err)
	}

	var deps []string
	seen := make(map[string]bool)
	clean := includeRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := includeRe.FindStringSubmatch(m)
		dep := normalize(sub[1])
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
		return ""
	})
	for _, dep := range deps {
		if dep == path {
			return fmt.Errorf("%w: %s", ErrSelfInclude, path)
		}
	}

	l.stripped[path] = clean
	l.deps[path] = deps
	return nil
}

// resolve recursively loads entry and everything it includes, returning
// the set of reachable paths.
func (l *Linker) resolve(entry string) ([]string, error) {
	var order []string
	visited := make(map[string]bool)
	queue := []string{entry}
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		if visited[path] {
			continue
		}
		visited[path] = true
		if err := l.load(path); err != nil {
			return nil, err
		}
		order = append(order, path)
		queue = append(queue, l.deps[path]...)
	}
	return order, nil
}

// Link resolves entry's include closure, topologically sorts it by
// repeated zero-in-degree extraction, and returns the concatenated
// translation unit (dependencies first) plus the topo order.
func (l *Linker) Link(entry string) (string, []string, error) {
	entry = normalize(entry)
	nodes, err := l.resolve(entry)
	if err != nil {
		return "", nil, err
	}

	// In-degree counts edges pointing from includer to include; a file
	// must appear after everything it includes, so the includer's
	// in-degree is its unmet dependency count.
	indeg := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		indeg[n] = len(l.deps[n])
		for _, d := range l.deps[n] {
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for _, n := range nodes {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		var unlocked []string
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				unlocked = append(unlocked, m)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if indeg[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		sort.Strings(stuck)
		return "", nil, fmt.Errorf("%w involving %s", ErrCycle, strings.Join(stuck, ", "))
	}

	var b strings.Builder
	for _, n := range order {
		b.WriteString(l.stripped[n])
		b.WriteByte('\n')
	}
	return b.String(), order, nil
}
