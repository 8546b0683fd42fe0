package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
	"github.com/elonfeng/sourcerep/pkg/reputation"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRegisterSource(c *gin.Context) {
	var req reputation.SourceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := s.engine.RegisterSource(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (s *Server) handleListSources(c *gin.Context) {
	limit, offset, ok := page(c, 100)
	if !ok {
		return
	}
	sources, err := s.engine.ListSources(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sources, "count": len(sources)})
}

func (s *Server) handleGetReputation(c *gin.Context) {
	rep, err := s.engine.GetReputation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type ratingRequest struct {
	RaterID string `json:"rater_id" binding:"required"`
	Value   int    `json:"value"`
	Comment string `json:"comment"`
}

func (s *Server) handleSubmitRating(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	sourceID := c.Param("id")

	res, err := s.engine.SubmitRating(ctx, sourceID, req.RaterID, req.Value, req.Comment)
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{"rating": res.Rating, "is_update": res.IsUpdate}
	s.recompute(c, sourceID, store.ReasonUserRating, body)
	c.JSON(http.StatusCreated, body)
}

func (s *Server) handleListRatings(c *gin.Context) {
	limit, offset, ok := page(c, 50)
	if !ok {
		return
	}
	ratings, err := s.engine.GetRatings(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ratings, "count": len(ratings)})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _, ok := page(c, 50)
	if !ok {
		return
	}
	history, err := s.engine.GetReliabilityHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history, "count": len(history)})
}

func (s *Server) handleCrossReference(c *gin.Context) {
	var req reputation.CrossReferenceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.SourceID = c.Param("id")

	ref, err := s.engine.RecordCrossReference(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	body := gin.H{"cross_reference": ref}
	s.recompute(c, req.SourceID, store.ReasonCrossReference, body)
	c.JSON(http.StatusCreated, body)
}

type articleRequest struct {
	PublishedAt *time.Time `json:"published_at"`
}

func (s *Server) handleArticle(c *gin.Context) {
	var req articleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var err error
	if req.PublishedAt != nil {
		err = s.engine.RecordNewArticleAt(c.Request.Context(), c.Param("id"), *req.PublishedAt)
	} else {
		err = s.engine.RecordNewArticle(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRecompute(c *gin.Context) {
	entry, err := s.engine.Recompute(c.Request.Context(), c.Param("id"), store.ReasonManual)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleListAnomalies(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	anomalies, err := s.engine.ListAnomalies(c.Request.Context(), c.Param("id"), openOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": anomalies, "count": len(anomalies)})
}

type resolveRequest struct {
	Action string `json:"action" binding:"required"`
}

func (s *Server) handleResolveAnomaly(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, entry, err := s.engine.ResolveAnomaly(c.Request.Context(), c.Param("id"), req.Action)
	if err != nil && a == nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{"anomaly": a}
	if err != nil {
		// Resolved, but the follow-up recompute failed.
		s.log.Warn("recompute after resolve failed", zap.String("anomaly_id", a.ID), zap.Error(err))
		body["recompute_error"] = err.Error()
	} else {
		body["history"] = entry
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDecay(c *gin.Context) {
	n, err := s.engine.TriggerDecay(c.Request.Context())
	if err != nil {
		s.log.Error("decay pass failed", zap.Int("decayed", n), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"decayed": n, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decayed": n})
}

// recompute refreshes the score after an accepted submission. The
// submission stands even when the recompute fails.
func (s *Server) recompute(c *gin.Context, sourceID string, reason store.Reason, body gin.H) {
	entry, err := s.engine.Recompute(c.Request.Context(), sourceID, reason)
	if err != nil {
		s.log.Warn("recompute failed", zap.String("source_id", sourceID), zap.Error(err))
		body["recompute_error"] = err.Error()
		return
	}
	body["score"] = entry.NewScore
}

// page reads limit and offset query parameters.
func page(c *gin.Context, defaultLimit int) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return 0, 0, false
		}
		limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
