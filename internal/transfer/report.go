package transfer

import (
	"time"
)

// Counts tallies what an import did to one section.
type Counts struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Dangling int `json:"dangling"`
}

// Report summarizes one import run.
type Report struct {
	SnapshotID string             `json:"snapshot_id,omitempty"`
	DryRun     bool               `json:"dry_run"`
	Sections   []string           `json:"sections,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration_ns"`
	Users      UserCounts         `json:"users"`
	Counts     map[string]*Counts `json:"counts"`
	// Tenants lists the tenant partitions that were replayed, in order.
	Tenants []string `json:"tenants"`
	// SkippedTenants lists tenant_data keys with no matching tenant in the target.
	SkippedTenants []string `json:"skipped_tenants,omitempty"`
	// IgnoredSections lists section keys found in the snapshot that no installed module serves.
	IgnoredSections []string `json:"ignored_sections,omitempty"`
}

// UserCounts splits the users section between matched and newly created accounts.
type UserCounts struct {
	Matched int `json:"matched"`
	Created int `json:"created"`
}

func newReport(snapshotID string, sections []string, dryRun bool, now time.Time) *Report {
	return &Report{
		SnapshotID: snapshotID,
		DryRun:     dryRun,
		Sections:   sections,
		StartedAt:  now,
		Counts:     make(map[string]*Counts),
	}
}

// Section returns the counters of key, creating them on first use.
func (r *Report) Section(key string) *Counts {
	c, ok := r.Counts[key]
	if !ok {
		c = &Counts{}
		r.Counts[key] = c
	}
	return c
}

func (r *Report) written(key string, created bool) {
	if created {
		r.Section(key).Created++
	} else {
		r.Section(key).Updated++
	}
}

func (r *Report) ignore(key string) {
	for _, k := range r.IgnoredSections {
		if k == key {
			return
		}
	}
	r.IgnoredSections = append(r.IgnoredSections, key)
}
