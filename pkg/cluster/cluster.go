// Package cluster groups near-duplicate items into time-windowed clusters.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/fingerprint"
)

const (
	DefaultWindow      = 7 * 24 * time.Hour
	DefaultMaxDistance = 8
)

// Candidate describes the item being assigned. Canonical fields are only used
// when it opens a new cluster.
type Candidate struct {
	Fingerprint    uint64
	NormalizedText string
	Hash           string
	Title          string
	Source         string
	SeenAt         time.Time
}

// Assignment is the result of Assign.
type Assignment struct {
	ClusterID string
	Created   bool
	Distance  int
}

// Engine assigns items to clusters.
type Engine struct {
	window      time.Duration
	maxDistance int
	newID       func() string
}

// NewEngine creates a clustering engine. Zero values fall back to defaults.
func NewEngine(window time.Duration, maxDistance int) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	return &Engine{
		window:      window,
		maxDistance: maxDistance,
		newID:       uuid.NewString,
	}
}

// Nearest returns the index of the cluster whose canonical fingerprint is
// closest to fp and within maxDistance, or -1. Ties go to the earliest
// cluster in slice order.
func Nearest(clusters []store.Cluster, fp uint64, maxDistance int) (int, int) {
	best, bestDist := -1, maxDistance+1
	for i := range clusters {
		d := fingerprint.Distance(fp, clusters[i].Fingerprint())
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestDist
}

// Assign places the candidate in the nearest live cluster or opens a new one
// with the candidate as canonical. It runs inside the caller's transaction.
// A matched cluster's canonical fingerprint is left untouched.
func (e *Engine) Assign(ctx context.Context, tx *store.Tx, c Candidate) (Assignment, error) {
	seen := c.SeenAt.UTC()

	clusters, err := tx.ClustersSeenSince(ctx, seen.Add(-e.window))
	if err != nil {
		return Assignment{}, fmt.Errorf("load live clusters: %w", err)
	}

	if i, dist := Nearest(clusters, c.Fingerprint, e.maxDistance); i >= 0 {
		id := clusters[i].ID
		if err := tx.TouchCluster(ctx, id, seen); err != nil {
			return Assignment{}, err
		}
		return Assignment{ClusterID: id, Distance: dist}, nil
	}

	cl := &store.Cluster{
		ID:               e.newID(),
		CanonicalText:    c.NormalizedText,
		CanonicalHash:    c.Hash,
		CanonicalSimhash: int64(c.Fingerprint),
		Title:            c.Title,
		Source:           c.Source,
		FirstSeen:        seen,
		LastSeen:         seen,
		ItemCount:        1,
	}
	if err := tx.InsertCluster(ctx, cl); err != nil {
		return Assignment{}, err
	}
	return Assignment{ClusterID: cl.ID, Created: true}, nil
}
