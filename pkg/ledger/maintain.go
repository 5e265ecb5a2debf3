package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/draft"
)

// MaintenanceConfig sets retention for maintenance passes.
type MaintenanceConfig struct {
	DraftArchiveDays   int           `yaml:"draft_archive_days"`
	ClusterPurgeDays   int           `yaml:"cluster_purge_days"`
	RejectedRetention  time.Duration `yaml:"-"`
	PublishedRetention time.Duration `yaml:"-"`
	ArchiveDir         string        `yaml:"archive_dir"`
}

func (c *MaintenanceConfig) defaults() {
	if c.DraftArchiveDays <= 0 {
		c.DraftArchiveDays = 7
	}
	if c.ClusterPurgeDays <= 0 {
		c.ClusterPurgeDays = 60
	}
	if c.RejectedRetention <= 0 {
		c.RejectedRetention = 24 * time.Hour
	}
	if c.PublishedRetention <= 0 {
		c.PublishedRetention = 72 * time.Hour
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = "archives"
	}
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	DraftsArchived int    `json:"drafts_archived"`
	ItemsArchived  int64  `json:"items_archived"`
	ClustersPurged int64  `json:"clusters_purged"`
	ArchiveFile    string `json:"archive_file,omitempty"`
}

// ArchivedDraft is a draft moved out of the ledger document.
type ArchivedDraft struct {
	draft.Draft
	ArchiveReason string    `json:"archive_reason"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// Maintainer retires stale drafts, items and clusters.
type Maintainer struct {
	store  store.Store
	docs   *state.File
	cfg    MaintenanceConfig
	clock  clock.Clock
	logger zerolog.Logger
}

// NewMaintainer creates a maintainer for the ledger's store and document.
func NewMaintainer(l *Ledger, docs *state.File, cfg MaintenanceConfig) *Maintainer {
	cfg.defaults()
	return &Maintainer{
		store:  l.store,
		docs:   docs,
		cfg:    cfg,
		clock:  l.clock,
		logger: l.logger.With().Str("task", "maintain").Logger(),
	}
}

// Run performs one maintenance pass. Drafts leave the document before they
// are written to the archive file; a failed archive write is reported but the
// draft text stays on its ledger item.
func (m *Maintainer) Run(ctx context.Context) (MaintenanceReport, error) {
	now := m.clock.Now()
	var rep MaintenanceReport

	archived, err := m.archiveDrafts(ctx, now)
	if err != nil {
		return rep, err
	}
	rep.DraftsArchived = len(archived)
	if len(archived) > 0 {
		path, err := m.appendArchive(now, archived)
		if err != nil {
			m.logger.Error().Err(err).Int("drafts", len(archived)).Msg("write draft archive failed")
			return rep, err
		}
		rep.ArchiveFile = path
	}

	itemCutoff := now.AddDate(0, 0, -m.cfg.DraftArchiveDays)
	clusterCutoff := now.AddDate(0, 0, -m.cfg.ClusterPurgeDays)
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		n, err := tx.ArchiveStaleItems(ctx, itemCutoff)
		if err != nil {
			return err
		}
		rep.ItemsArchived = n
		n, err = tx.PurgeClusters(ctx, clusterCutoff)
		if err != nil {
			return err
		}
		rep.ClustersPurged = n
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("ledger maintenance: %w", err)
	}

	m.logger.Info().
		Int("drafts_archived", rep.DraftsArchived).
		Int64("items_archived", rep.ItemsArchived).
		Int64("clusters_purged", rep.ClustersPurged).
		Msg("maintenance complete")
	return rep, nil
}

func (m *Maintainer) archiveDrafts(ctx context.Context, now time.Time) ([]ArchivedDraft, error) {
	staleCutoff := now.AddDate(0, 0, -m.cfg.DraftArchiveDays)

	var out []ArchivedDraft
	err := m.docs.Update(ctx, func(doc *state.Document) error {
		out = out[:0]
		kept := doc.PendingStories[:0:0]
		for _, d := range doc.PendingStories {
			reason := m.archiveReason(d, now, staleCutoff)
			if reason == "" {
				kept = append(kept, d)
				continue
			}
			if d.Status.InReview() || d.Status == draft.NeedsReview {
				if err := d.Transition(draft.Archived, now); err != nil {
					return err
				}
			}
			out = append(out, ArchivedDraft{Draft: d, ArchiveReason: reason, ArchivedAt: now.UTC()})
		}
		if len(out) == 0 {
			return state.ErrNoChange
		}
		doc.PendingStories = kept
		doc.Incr("drafts_archived", len(out))
		return nil
	})
	if err != nil && !errors.Is(err, state.ErrNoChange) {
		return nil, fmt.Errorf("archive drafts: %w", err)
	}
	return out, nil
}

// archiveReason returns why a draft should leave the document, or "".
func (m *Maintainer) archiveReason(d draft.Draft, now, staleCutoff time.Time) string {
	switch d.Status {
	case draft.NeedsReview, draft.PostedForReview, draft.EditRequested, draft.Hold:
		ts := d.CreatedAt
		if d.PostedAt != nil {
			ts = *d.PostedAt
		}
		if !ts.IsZero() && ts.Before(staleCutoff) {
			return fmt.Sprintf("stale>%dd", m.cfg.DraftArchiveDays)
		}
	case draft.Rejected:
		if now.Sub(d.UpdatedAt) >= m.cfg.RejectedRetention {
			return "rejected"
		}
	case draft.Published:
		if now.Sub(d.UpdatedAt) >= m.cfg.PublishedRetention {
			return "published"
		}
	case draft.TestSkipped, draft.Archived:
		return string(d.Status)
	}
	return ""
}

// appendArchive adds drafts to the archive file for the day. An unreadable
// archive is moved aside rather than overwritten, and the new file is
// replaced atomically.
func (m *Maintainer) appendArchive(now time.Time, drafts []ArchivedDraft) (string, error) {
	if err := os.MkdirAll(m.cfg.ArchiveDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(m.cfg.ArchiveDir, "drafts-"+now.UTC().Format("20060102")+".json")

	var existing []json.RawMessage
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &existing); err != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", path, now.UnixNano())
			if rerr := os.Rename(path, aside); rerr != nil {
				return "", fmt.Errorf("move unreadable archive aside: %w", rerr)
			}
			m.logger.Error().Err(err).Str("path", path).Str("moved_to", aside).
				Msg("unreadable archive file moved aside")
			existing = nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read archive: %w", err)
	}

	for _, d := range drafts {
		raw, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("encode archived draft %s: %w", d.StoryID, err)
		}
		existing = append(existing, raw)
	}

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := writeFileAtomic(path, out); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
