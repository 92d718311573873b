package sync

import (
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/naming"
)

// Action is what the execution phase does for one manifest entry
type Action int

const (
	// ActionDownload fetches an entry that has no local variant
	ActionDownload Action = iota
	// ActionReplace deletes the differently named local variant, then
	// fetches the entry under its own name
	ActionReplace
	// ActionRefresh fetches over a same-named file whose content hash
	// does not match (hash verify mode only)
	ActionRefresh
)

func (a Action) String() string {
	switch a {
	case ActionDownload:
		return "download"
	case ActionReplace:
		return "replace"
	case ActionRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// ResolvedFile is a manifest entry paired with its local variant, if any
type ResolvedFile struct {
	Entry     manifest.Entry
	Canonical string
	// OnDisk is the name of the matching local file, empty when none
	OnDisk string
}

// Job is one queued execution phase operation
type Job struct {
	File   ResolvedFile
	Action Action
}

// Plan is the classification of the current manifest against the target
// directory
type Plan struct {
	Jobs      []Job
	Unchanged []ResolvedFile
	Skipped   []ResolvedFile // self-excluded
}

// Count returns the number of jobs with the given action
func (p *Plan) Count(a Action) int {
	n := 0
	for _, j := range p.Jobs {
		if j.Action == a {
			n++
		}
	}
	return n
}

// classify partitions the current manifest into new, renamed and
// unchanged entries. It performs no I/O.
func classify(m *naming.Matcher, current manifest.Manifest, listing []string) *Plan {
	plan := &Plan{}
	for _, entry := range current {
		rf := ResolvedFile{Entry: entry, Canonical: m.Canonicalize(entry.Name)}
		if m.IsSelf(rf.Canonical) {
			plan.Skipped = append(plan.Skipped, rf)
			continue
		}

		rf.OnDisk = m.Resolve(rf.Canonical, listing)
		switch rf.OnDisk {
		case "":
			plan.Jobs = append(plan.Jobs, Job{File: rf, Action: ActionDownload})
		case entry.Name:
			plan.Unchanged = append(plan.Unchanged, rf)
		default:
			plan.Jobs = append(plan.Jobs, Job{File: rf, Action: ActionReplace})
		}
	}
	return plan
}

// staleFiles resolves previous entries whose canonical identifier is
// absent from the current manifest to their local files. Each local file
// is returned at most once.
func staleFiles(m *naming.Matcher, previous, current manifest.Manifest, listing []string) []ResolvedFile {
	wanted := make(map[string]bool, len(current))
	for _, e := range current {
		wanted[m.Canonicalize(e.Name)] = true
	}

	seen := make(map[string]bool)
	var stale []ResolvedFile
	for _, e := range previous {
		canonical := m.Canonicalize(e.Name)
		if wanted[canonical] {
			continue
		}
		onDisk := m.Resolve(canonical, listing)
		if onDisk == "" || seen[onDisk] {
			continue
		}
		seen[onDisk] = true
		stale = append(stale, ResolvedFile{Entry: e, Canonical: canonical, OnDisk: onDisk})
	}
	return stale
}

// dedupe drops entries whose canonical identifier was already seen. The
// first entry wins; dropped pairs are returned for logging.
func dedupe(m *naming.Matcher, current manifest.Manifest) (manifest.Manifest, [][2]string) {
	first := make(map[string]string, len(current))
	kept := make(manifest.Manifest, 0, len(current))
	var dropped [][2]string
	for _, e := range current {
		canonical := m.Canonicalize(e.Name)
		if prev, ok := first[canonical]; ok {
			dropped = append(dropped, [2]string{prev, e.Name})
			continue
		}
		first[canonical] = e.Name
		kept = append(kept, e)
	}
	return kept, dropped
}
