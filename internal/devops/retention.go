// internal/devops/retention.go
package devops

import (
	"sort"
	"time"
)

// DefaultMinKeep is the number of most recent backups kept regardless of age
const DefaultMinKeep = 7

// RetentionPolicy decides which backups a sweep may delete
type RetentionPolicy struct {
	RetentionDays int `json:"retention_days"`
	MinKeep       int `json:"min_keep"`
}

// RetentionResult is the outcome of a retention sweep
type RetentionResult struct {
	Deleted    []Backup `json:"deleted"`
	Kept       []Backup `json:"kept"`
	FreedBytes int64    `json:"freed_bytes"`
}

// EnforceRetention selects backups older than the retention window for
// deletion. The newest MinKeep backups always survive, so a sweep never
// leaves fewer than MinKeep backups behind, and neither does the newest
// verified backup, so a rollback target outlives any sweep. Selection depends only on its
// inputs; running it again over the survivors deletes nothing more.
func EnforceRetention(backups []Backup, policy RetentionPolicy, now time.Time) RetentionResult {
	sorted := append([]Backup(nil), backups...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	minKeep := policy.MinKeep
	if minKeep < 0 {
		minKeep = 0
	}
	window := time.Duration(policy.RetentionDays) * 24 * time.Hour

	var target string
	if latest := LatestVerified(sorted); latest != nil {
		target = latest.ID
	}

	var result RetentionResult
	for i, b := range sorted {
		if i < minKeep || now.Sub(b.CreatedAt) <= window || b.ID == target {
			result.Kept = append(result.Kept, b)
			continue
		}
		result.Deleted = append(result.Deleted, b)
		result.FreedBytes += b.SizeBytes
	}
	return result
}
