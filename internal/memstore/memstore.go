// Package memstore implements the persistent memory collaborator
// spec.md §6 names as an external, best-effort store: a JSON file of
// past runs' recorded snapshots, recalled by keyword overlap and
// ranked by a recency-decayed weight.
//
// Grounded on the donor's internal/memory.Manager.SearchHierarchical
// (score-and-sort-by-weight ranking, scope filtering) with the donor's
// embedding backend and vector index dropped: CortexOS has no vector
// store wired in, so entries are scored by keyword overlap instead of
// cosine similarity, and "scope" collapses to a single global store
// keyed by run id.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexos/cortexos/internal/runsession"
)

// Entry is one recalled memory unit: a run's final report text plus the
// metadata needed to rank and expire it.
type Entry struct {
	RunID     string    `json:"run_id"`
	Prompt    string    `json:"prompt"`
	Summary   string    `json:"summary"`
	CostUSD   float64   `json:"cost_usd"`
	Success   bool      `json:"success"`
	StoredAt  time.Time `json:"stored_at"`
}

// Store is a JSON-file-backed MemoryStore, safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	path          string
	decayHalfLife time.Duration
}

// New opens (without yet reading) a Store persisted at path. A
// non-positive halfLife disables decay: every entry ranks by keyword
// overlap alone.
func New(path string, halfLife time.Duration) *Store {
	return &Store{path: path, decayHalfLife: halfLife}
}

func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memstore: read %s: %w", s.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("memstore: decode %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) save(entries []Entry) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("memstore: mkdir %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("memstore: encode: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("memstore: write %s: %w", s.path, err)
	}
	return nil
}

// Store implements engine.MemoryStore: it appends a summary of
// snapshot's outcome, keyed by run id, failing silently never — a
// write error is returned and the caller (the engine) logs it as a
// non-fatal memorize-stage event.
func (s *Store) Store(_ context.Context, snapshot runsession.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	entries = append(entries, Entry{
		RunID:    snapshot.ID,
		Summary:  summarize(snapshot),
		CostUSD:  snapshot.CostUSD,
		Success:  allSucceeded(snapshot),
		StoredAt: snapshot.StartedAt,
	})
	return s.save(entries)
}

// Recall returns the summaries of past entries whose text shares
// keywords with prompt, most relevant first, weighted by keyword
// overlap decayed by age.
func (s *Store) Recall(_ context.Context, prompt string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	query := keywordSet(prompt)
	type scored struct {
		text  string
		score float64
	}
	var results []scored
	now := time.Now()
	for _, e := range entries {
		overlap := overlapScore(query, keywordSet(e.Prompt+" "+e.Summary))
		if overlap == 0 {
			continue
		}
		weight := 1.0
		if s.decayHalfLife > 0 {
			age := now.Sub(e.StoredAt)
			weight = math.Pow(0.5, age.Hours()/s.decayHalfLife.Hours())
		}
		results = append(results, scored{text: e.Summary, score: overlap * weight})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.text)
	}
	return out, nil
}

// Search is the CLI-facing counterpart to Recall, returning full
// Entry records (not just a summary string) for the "memory search"
// command.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	q := keywordSet(query)
	var results []Entry
	for _, e := range entries {
		if overlapScore(q, keywordSet(e.Prompt+" "+e.Summary)) > 0 || query == "" {
			results = append(results, e)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].StoredAt.After(results[j].StoredAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Stats summarizes the store's contents for the "memory stats" command.
type Stats struct {
	TotalEntries int
	SuccessCount int
	FailureCount int
	TotalCostUSD float64
	OldestStored time.Time
	NewestStored time.Time
}

// Stats computes aggregate counters over every stored entry.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.TotalEntries = len(entries)
	for _, e := range entries {
		if e.Success {
			st.SuccessCount++
		} else {
			st.FailureCount++
		}
		st.TotalCostUSD += e.CostUSD
		if st.OldestStored.IsZero() || e.StoredAt.Before(st.OldestStored) {
			st.OldestStored = e.StoredAt
		}
		if e.StoredAt.After(st.NewestStored) {
			st.NewestStored = e.StoredAt
		}
	}
	return st, nil
}

// Clear removes every stored entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(nil)
}

func allSucceeded(snapshot runsession.Snapshot) bool {
	if len(snapshot.Results) == 0 {
		return !snapshot.Cancelled
	}
	for _, r := range snapshot.Results {
		if !r.Success {
			return false
		}
	}
	return true
}

func summarize(snapshot runsession.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d task(s), $%.4f", snapshot.ID, len(snapshot.Results), snapshot.CostUSD)
	for _, r := range snapshot.Results {
		if r.Text != "" {
			fmt.Fprintf(&b, " | %s", truncate(r.Text, 160))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func keywordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 3 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func overlapScore(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return float64(n) / float64(len(a))
}
