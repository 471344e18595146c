package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegistryEventType identifies a registry mutation.
type RegistryEventType string

const (
	ToolRegistered   RegistryEventType = "registered"
	ToolUnregistered RegistryEventType = "unregistered"
)

// RegistryEvent is delivered to OnChange listeners after a mutation.
type RegistryEvent struct {
	Type RegistryEventType `json:"event"`
	Tool string            `json:"tool"`
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	byName map[string]Tool
	sorted []Tool
}

var emptySnapshot = &registrySnapshot{byName: map[string]Tool{}}

// ToolRegistry holds the tools shared by every transport.
//
// Reads load an immutable snapshot and never block. Register and Unregister
// copy the snapshot under a mutex and swap it in.
type ToolRegistry struct {
	snap atomic.Pointer[registrySnapshot]

	mu        sync.Mutex
	listeners map[int]func(RegistryEvent)
	nextID    int
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{listeners: make(map[int]func(RegistryEvent))}
	r.snap.Store(emptySnapshot)
	return r
}

// Register adds tool. Names must be non-empty and unique.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Definition() == nil {
		return fmt.Errorf("tool definition is required")
	}
	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	cur := r.snap.Load()
	if _, exists := cur.byName[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	next := make(map[string]Tool, len(cur.byName)+1)
	for k, v := range cur.byName {
		next[k] = v
	}
	next[name] = tool
	r.snap.Store(newSnapshot(next))
	listeners := r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, RegistryEvent{Type: ToolRegistered, Tool: name})
	return nil
}

// Unregister removes the named tool and reports whether it existed.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	cur := r.snap.Load()
	if _, exists := cur.byName[name]; !exists {
		r.mu.Unlock()
		return false
	}
	next := make(map[string]Tool, len(cur.byName))
	for k, v := range cur.byName {
		if k != name {
			next[k] = v
		}
	}
	r.snap.Store(newSnapshot(next))
	listeners := r.listenersLocked()
	r.mu.Unlock()

	notify(listeners, RegistryEvent{Type: ToolUnregistered, Tool: name})
	return true
}

// OnChange registers fn for every subsequent mutation. Listeners run
// synchronously on the mutating goroutine. The returned func removes fn.
func (r *ToolRegistry) OnChange(fn func(RegistryEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *ToolRegistry) listenersLocked() []func(RegistryEvent) {
	out := make([]func(RegistryEvent), 0, len(r.listeners))
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, r.listeners[id])
	}
	return out
}

func notify(listeners []func(RegistryEvent), ev RegistryEvent) {
	for _, fn := range listeners {
		fn(ev)
	}
}

func newSnapshot(byName map[string]Tool) *registrySnapshot {
	sorted := make([]Tool, 0, len(byName))
	for _, t := range byName {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Definition().Name < sorted[j].Definition().Name
	})
	return &registrySnapshot{byName: byName, sorted: sorted}
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.snap.Load().byName[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []Tool {
	sorted := r.snap.Load().sorted
	out := make([]Tool, len(sorted))
	copy(out, sorted)
	return out
}

// Definitions returns every tool definition sorted by name.
func (r *ToolRegistry) Definitions() []*sdk.Tool {
	sorted := r.snap.Load().sorted
	out := make([]*sdk.Tool, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, t.Definition())
	}
	return out
}

// Names returns all tool names sorted.
func (r *ToolRegistry) Names() []string {
	sorted := r.snap.Load().sorted
	out := make([]string, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, t.Definition().Name)
	}
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	return len(r.snap.Load().byName)
}

// SearchResult is a tool matched by Search.
type SearchResult struct {
	Tool *sdk.Tool `json:"tool"`

	// Score: 3 exact name, 2 name match, 1 description match.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search matches query case-insensitively against tool names and
// descriptions. A query that compiles as a regular expression is also tried
// as a pattern. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []SearchResult {
	if query == "" {
		return nil
	}

	queryLower := strings.ToLower(query)
	var pattern *regexp.Regexp
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		pattern = re
	}

	var results []SearchResult
	for _, t := range r.snap.Load().sorted {
		def := t.Definition()
		nameLower := strings.ToLower(def.Name)

		switch {
		case nameLower == queryLower:
			results = append(results, SearchResult{Tool: def, Score: 3, MatchReason: "exact name match"})
		case strings.Contains(nameLower, queryLower):
			results = append(results, SearchResult{Tool: def, Score: 2, MatchReason: "name contains query"})
		case pattern != nil && pattern.MatchString(def.Name):
			results = append(results, SearchResult{Tool: def, Score: 2, MatchReason: "name matches pattern"})
		case strings.Contains(strings.ToLower(def.Description), queryLower):
			results = append(results, SearchResult{Tool: def, Score: 1, MatchReason: "description contains query"})
		case pattern != nil && pattern.MatchString(def.Description):
			results = append(results, SearchResult{Tool: def, Score: 1, MatchReason: "description matches pattern"})
		}
	}

	// Input is name-sorted, so a stable sort keeps ties alphabetical.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}
