package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/internal/store"
	"github.com/elonfeng/newsledger/pkg/draft"
	"github.com/elonfeng/newsledger/pkg/ledger"
	"github.com/elonfeng/newsledger/pkg/reconcile"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

func (s *Server) handleHealth(c *gin.Context) {
	failures := map[string]int{}
	if s.health != nil {
		failures = s.health.Snapshot()
	}
	status := "ok"
	if len(failures) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "failures": failures})
}

func (s *Server) handleItems(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	since, ok := parseTime(c, "since")
	if !ok {
		return
	}

	items, err := s.store.ListItems(c.Request.Context(), store.ListOpts{
		Source:    c.Query("source"),
		ClusterID: c.Query("cluster_id"),
		Status:    store.ItemStatus(c.Query("status")),
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "count": len(items)})
}

func (s *Server) handleClusters(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	since, ok := parseTime(c, "seen_since")
	if !ok {
		return
	}

	clusters, err := s.store.ListClusters(c.Request.Context(), store.ClusterListOpts{SeenSince: since, Limit: limit})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": clusters, "count": len(clusters)})
}

func (s *Server) handleCluster(c *gin.Context) {
	ctx := c.Request.Context()
	cl, err := s.store.GetCluster(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	items, err := s.store.ListItems(ctx, store.ListOpts{ClusterID: cl.ID, Limit: maxLimit})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cl, "items": items})
}

// handleSources reports how many ledger items each source has contributed.
func (s *Server) handleSources(c *gin.Context) {
	counts, err := s.store.CountItemsBySource(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": counts, "count": len(counts)})
}

func (s *Server) handleDrafts(c *gin.Context) {
	doc, err := s.docs.View()
	if err != nil {
		s.fail(c, err)
		return
	}

	want := draft.Status(c.Query("status"))
	if want != "" && !want.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(want)})
		return
	}
	drafts := make([]draft.Draft, 0, len(doc.PendingStories))
	for _, d := range doc.PendingStories {
		if want == "" || d.Status == want {
			drafts = append(drafts, d)
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": drafts, "count": len(drafts)})
}

type ingestRequest struct {
	ledger.Entry
	IsTest bool `json:"is_test"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Source) == "" || req.Entry.Text() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source and title or body are required"})
		return
	}

	out, err := s.processor.ProcessEntry(c.Request.Context(), req.Entry, req.IsTest)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type editRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEdit(c *gin.Context) {
	if !s.reviewEnabled(c) {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	e := reconcile.Event{Kind: reconcile.EventEdit, StoryID: c.Param("id"), Text: req.Text}
	if err := s.dispatch(c, e); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"story_id": e.StoryID, "status": draft.NeedsReview})
}

func (s *Server) handleReconcile(c *gin.Context) {
	if !s.reviewEnabled(c) {
		return
	}
	var (
		rep reconcile.Report
		err error
	)
	if s.queued {
		rep, err = s.reconciler.Rescan(c.Request.Context())
	} else {
		rep, err = s.reconciler.Reconcile(c.Request.Context())
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type eventRequest struct {
	Kind      string `json:"kind" binding:"required"`
	MessageID string `json:"message_id"`
	StoryID   string `json:"story_id"`
	Text      string `json:"text"`
}

// handleEvent accepts review-channel events relayed by a bot or gateway.
// Kind "message" carries a reviewer reply and is applied only when it is an
// edit.
func (s *Server) handleEvent(c *gin.Context) {
	if !s.reviewEnabled(c) {
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var e reconcile.Event
	if strings.EqualFold(req.Kind, "message") {
		text, ok := reconcile.ParseEdit(req.Text)
		if !ok {
			c.JSON(http.StatusAccepted, gin.H{"ignored": true})
			return
		}
		e = reconcile.Event{Kind: reconcile.EventEdit, StoryID: req.StoryID, Text: text}
	} else {
		kind, err := reconcile.ParseKind(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		e = reconcile.Event{Kind: kind, MessageID: req.MessageID, StoryID: req.StoryID, Text: req.Text}
	}
	if e.Kind == reconcile.EventReaction && e.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}

	if err := s.dispatch(c, e); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": e.Kind.String()})
}

func (s *Server) reviewEnabled(c *gin.Context) bool {
	if s.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "review channel is not configured"})
		return false
	}
	return true
}

func (s *Server) dispatch(c *gin.Context, e reconcile.Event) error {
	if s.queued {
		return s.reconciler.SubmitWait(c.Request.Context(), e)
	}
	return s.reconciler.Handle(c.Request.Context(), e)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, state.ErrDraftNotFound):
		status = http.StatusNotFound
	case errors.Is(err, draft.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, reconcile.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func parseTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
		return time.Time{}, false
	}
	return t, true
}
