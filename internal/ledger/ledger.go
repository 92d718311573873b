package ledger

import (
	"fmt"
	"sync"
)

// Kind identifies what happened to a file during a run
type Kind string

const (
	KindDownloaded Kind = "downloaded"
	KindUpdated    Kind = "updated"
	KindDeleted    Kind = "deleted"
)

// Change is a single filesystem mutation that actually took place.
// From is only set for updates and holds the replaced file name.
type Change struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	From string `json:"from,omitempty"`
}

func (c Change) String() string {
	if c.Kind == KindUpdated {
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.From, c.Name)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Name)
}

// Ledger collects the changes of one reconciliation run. It is append-only
// and safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	changes []Change
}

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{}
}

// Downloaded records a file fetched under a name that had no local match
func (l *Ledger) Downloaded(name string) {
	l.append(Change{Kind: KindDownloaded, Name: name})
}

// Updated records a local file replaced by a newer one. from and to are
// equal when the file was rewritten in place.
func (l *Ledger) Updated(from, to string) {
	l.append(Change{Kind: KindUpdated, Name: to, From: from})
}

// Deleted records a file removed because it left the manifest
func (l *Ledger) Deleted(name string) {
	l.append(Change{Kind: KindDeleted, Name: name})
}

func (l *Ledger) append(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

// Changes returns a copy of the recorded changes in recording order
func (l *Ledger) Changes() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Change, len(l.changes))
	copy(out, l.changes)
	return out
}

// AnyChange reports whether at least one change was recorded
func (l *Ledger) AnyChange() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes) > 0
}

// Counts returns the number of changes per kind
func (l *Ledger) Counts() map[Kind]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := map[Kind]int{
		KindDownloaded: 0,
		KindUpdated:    0,
		KindDeleted:    0,
	}
	for _, c := range l.changes {
		counts[c.Kind]++
	}
	return counts
}
