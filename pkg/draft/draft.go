// Package draft defines pending stories and the review state machine that
// moves them from drafted to published or retired.
package draft

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIllegalTransition is returned when a draft cannot move to the requested
// status from its current one.
var ErrIllegalTransition = errors.New("illegal draft transition")

// Status is a draft's lifecycle status.
type Status string

const (
	NeedsReview     Status = "needs_review"
	PostedForReview Status = "posted_for_review"
	EditRequested   Status = "edit_requested"
	Hold            Status = "hold"
	Approved        Status = "approved"
	Rejected        Status = "rejected"
	AutoApproved    Status = "auto_approved"
	Published       Status = "published"
	TestSkipped     Status = "test_skipped"
	Archived        Status = "archived"
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	NeedsReview:     {PostedForReview, Rejected, Archived},
	PostedForReview: {EditRequested, Approved, Rejected, Hold, Archived},
	Hold:            {EditRequested, Approved, Rejected, Archived},
	EditRequested:   {NeedsReview, Approved, Rejected, Hold, Archived},
	Approved:        {Published, TestSkipped},
	AutoApproved:    {Published, TestSkipped},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case NeedsReview, PostedForReview, EditRequested, Hold, Approved,
		Rejected, AutoApproved, Published, TestSkipped, Archived:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case Published, Rejected, Archived, TestSkipped:
		return true
	}
	return false
}

// InReview reports whether the draft is waiting on reviewer reactions.
func (s Status) InReview() bool {
	switch s {
	case PostedForReview, Hold, EditRequested:
		return true
	}
	return false
}

// Publishable reports whether the publish handoff may take the draft.
func (s Status) Publishable() bool {
	return s == Approved || s == AutoApproved
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tier is the approval tier chosen by policy.
type Tier string

const (
	TierAutoApprove Tier = "auto_approve"
	TierBatchDigest Tier = "batch_digest"
	TierAutoDrop    Tier = "auto_drop"
)

// Draft is a pending story: a drafted ledger item tracked through review.
type Draft struct {
	StoryID        string     `json:"story_id"`
	Topic          string     `json:"topic"`
	Source         string     `json:"source"`
	Description    string     `json:"description,omitempty"`
	Link           string     `json:"link,omitempty"`
	Priority       string     `json:"priority,omitempty"`
	Tier           string     `json:"tier,omitempty"`
	ClusterID      string     `json:"cluster_id"`
	ItemID         int64      `json:"ledger_item_id"`
	Score          float64    `json:"content_score"`
	Text           string     `json:"tweet_draft"`
	Status         Status     `json:"draft_status"`
	ApprovalTier   Tier       `json:"approval_tier"`
	ApprovalReason string     `json:"approval_reason"`
	MessageID      string     `json:"review_message_id,omitempty"`
	PostedAt       *time.Time `json:"review_posted_at,omitempty"`
	IsTest         bool       `json:"is_test,omitempty"`
	PublishID      string     `json:"publish_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Title returns the topic, or a placeholder for untitled drafts.
func (d *Draft) Title() string {
	if strings.TrimSpace(d.Topic) == "" {
		return "Untitled"
	}
	return d.Topic
}

// Transition moves the draft to a new status.
func (d *Draft) Transition(to Status, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%s: %s -> %s: %w", d.StoryID, d.Status, to, ErrIllegalTransition)
	}
	d.Status = to
	d.UpdatedAt = now.UTC()
	return nil
}

// MarkPosted records the review-channel message for a draft awaiting review.
func (d *Draft) MarkPosted(messageID string, now time.Time) error {
	if err := d.Transition(PostedForReview, now); err != nil {
		return err
	}
	at := now.UTC()
	d.MessageID = messageID
	d.PostedAt = &at
	return nil
}

// ApplyEdit replaces the text of a draft in edit_requested and sends it back
// to needs_review with its review message cleared, so it is posted fresh.
func (d *Draft) ApplyEdit(text string, now time.Time) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%s: empty replacement text", d.StoryID)
	}
	if d.Status != EditRequested {
		return fmt.Errorf("%s: edit in %s: %w", d.StoryID, d.Status, ErrIllegalTransition)
	}
	d.Text = text
	d.Status = NeedsReview
	d.MessageID = ""
	d.PostedAt = nil
	d.UpdatedAt = now.UTC()
	return nil
}
