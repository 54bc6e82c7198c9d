package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests. Entries are stored by value so
// callers cannot mutate committed state except through corrupt.
type memStore struct {
	mu         sync.Mutex
	entries    map[int64]Entry
	tombstones map[int64]Tombstone
	tail       Tail

	// unchecked disables the stale-tail check in Commit, leaving the
	// Writer's mutex as the only serialization point.
	unchecked bool
	// tailDelay widens the window between reading the tail and committing.
	tailDelay time.Duration
	// commitErr, when set, fails every Commit.
	commitErr error
}

func newMemStore() *memStore {
	return &memStore{
		entries:    make(map[int64]Entry),
		tombstones: make(map[int64]Tombstone),
		tail:       Tail{Digest: GenesisDigest},
	}
}

func (s *memStore) Tail(ctx context.Context) (Tail, error) {
	s.mu.Lock()
	t := s.tail
	s.mu.Unlock()
	if s.tailDelay > 0 {
		time.Sleep(s.tailDelay)
	}
	return t, nil
}

func (s *memStore) Commit(ctx context.Context, e *Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return 0, s.commitErr
	}
	if !s.unchecked && e.PreviousDigest != s.tail.Digest {
		return 0, ErrChainConflict
	}
	s.tail.Sequence++
	s.tail.Digest = e.Digest
	stored := *e
	stored.Sequence = s.tail.Sequence
	s.entries[stored.Sequence] = stored
	return stored.Sequence, nil
}

func (s *memStore) Get(ctx context.Context, seq int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *memStore) Find(ctx context.Context, f Filter, w Window) ([]Entry, int64, error) {
	s.mu.Lock()
	var matched []Entry
	for _, e := range s.entries {
		if matches(&e, f) {
			matched = append(matched, e)
		}
	}
	s.mu.Unlock()

	sortEntries(matched, w)
	total := int64(len(matched))
	if w.Limit <= 0 {
		return nil, total, nil
	}
	if w.Offset >= len(matched) {
		return []Entry{}, total, nil
	}
	matched = matched[w.Offset:]
	if len(matched) > w.Limit {
		matched = matched[:w.Limit]
	}
	return matched, total, nil
}

func (s *memStore) ScanChain(ctx context.Context, after int64, limit int) ([]Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var links []Link
	for seq, e := range s.entries {
		if seq > after {
			e := e
			links = append(links, Link{Sequence: seq, Entry: &e})
		}
	}
	for seq, t := range s.tombstones {
		if seq > after {
			t := t
			links = append(links, Link{Sequence: seq, Tombstone: &t})
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Sequence < links[j].Sequence })
	if len(links) > limit {
		links = links[:limit]
	}
	return links, nil
}

func (s *memStore) DigestAt(ctx context.Context, seq int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[seq]; ok {
		return e.Digest, nil
	}
	if t, ok := s.tombstones[seq]; ok {
		return t.Digest, nil
	}
	return "", ErrNotFound
}

func (s *memStore) Purge(ctx context.Context, b PurgeBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range b.Sequences {
		if _, ok := s.entries[seq]; !ok {
			return 0, ErrNotFound
		}
	}
	for _, seq := range b.Sequences {
		e := s.entries[seq]
		s.tombstones[seq] = Tombstone{Sequence: seq, Digest: e.Digest, Policy: b.Policy, RunID: b.RunID, PurgedAt: time.Now().UTC()}
		delete(s.entries, seq)
	}
	return len(b.Sequences), nil
}

func (s *memStore) Close() error { return nil }

// corrupt rewrites a stored entry in place, bypassing every guard, the
// way an attacker with direct database access would.
func (s *memStore) corrupt(seq int64, fn func(e *Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[seq]
	fn(&e)
	s.entries[seq] = e
}

// remove deletes a stored entry without leaving a tombstone.
func (s *memStore) remove(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, seq)
}

func (s *memStore) all() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func matches(e *Entry, f Filter) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID,
		f.UserID != "" && (e.Actor == nil || e.Actor.UserID != f.UserID),
		f.Username != "" && (e.Actor == nil || e.Actor.Username != f.Username),
		f.Category != "" && e.Category != f.Category,
		f.Severity != "" && e.Severity != f.Severity,
		f.Action != "" && e.Action != f.Action,
		f.EntityType != "" && e.EntityType != f.EntityType,
		f.EntityID != "" && e.EntityID != f.EntityID,
		!f.From.IsZero() && e.CreatedAt.Before(f.From),
		!f.To.IsZero() && e.CreatedAt.After(f.To),
		!f.OlderThan.IsZero() && !e.CreatedAt.Before(f.OlderThan),
		f.AfterSequence > 0 && e.Sequence <= f.AfterSequence,
		f.UpToSequence > 0 && e.Sequence > f.UpToSequence:
		return false
	}
	if f.Search != "" {
		meta, _ := EncodeMetadata(e.Metadata)
		haystack := strings.ToLower(strings.Join([]string{
			e.Action, e.Actor.labelOrEmpty(), e.EntityType, e.EntityID, string(meta),
		}, "\x00"))
		if !strings.Contains(haystack, strings.ToLower(f.Search)) {
			return false
		}
	}
	return true
}

func (a *Actor) labelOrEmpty() string {
	if a == nil {
		return ""
	}
	return a.Username
}

func sortEntries(entries []Entry, w Window) {
	less := func(a, b *Entry) int {
		switch w.Sort {
		case SortSeverity:
			return a.Severity.Rank() - b.Severity.Rank()
		case SortAction:
			return strings.Compare(a.Action, b.Action)
		case SortCreatedAt, "":
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return 0
	}
	sort.Slice(entries, func(i, j int) bool {
		c := less(&entries[i], &entries[j])
		if c == 0 {
			if entries[i].Sequence == entries[j].Sequence {
				return false
			}
			c = -1
			if entries[i].Sequence > entries[j].Sequence {
				c = 1
			}
		}
		if w.Descending {
			return c > 0
		}
		return c < 0
	})
}
