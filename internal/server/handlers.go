package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"reviewsearch/internal/domain"
)

// insertRequest accepts a bare review or one wrapped as {"review": {...}}.
type insertRequest struct {
	domain.Review
	Wrapped *domain.Review `json:"review"`
}

func (r insertRequest) review() domain.Review {
	if r.Wrapped != nil {
		return *r.Wrapped
	}
	return r.Review
}

type bulkRequest struct {
	Reviews []domain.Review `json:"reviews"`
}

type bulkItem struct {
	ID    domain.ReviewID `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
}

type bulkResponse struct {
	Inserted int        `json:"inserted"`
	Failed   int        `json:"failed"`
	Results  []bulkItem `json:"results"`
}

type searchRequest struct {
	Query  string `json:"query"`
	TopK   *int   `json:"top_k"`
	Fanout int    `json:"fanout"`
}

type searchHit struct {
	ID        domain.ReviewID `json:"id"`
	Score     float32         `json:"score"`
	ProductID string          `json:"product_id"`
	Rating    int             `json:"rating"`
}

type searchResponse struct {
	Hits    []searchHit `json:"hits"`
	Probed  int         `json:"probed"`
	Partial bool        `json:"partial,omitempty"`
}

type reviewResponse struct {
	ID         domain.ReviewID `json:"id"`
	ProductID  string          `json:"product_id"`
	Rating     int             `json:"rating"`
	Version    uint32          `json:"version"`
	InsertedAt string          `json:"inserted_at"`
}

func toReviewResponse(rec domain.ReviewRecord) reviewResponse {
	return reviewResponse{
		ID:         rec.ID,
		ProductID:  rec.Metadata.ProductID,
		Rating:     rec.Metadata.Rating,
		Version:    rec.Version,
		InsertedAt: rec.InsertedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleInsert(c *gin.Context) {
	var req insertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	id, err := s.ingest.Add(c.Request.Context(), req.review())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if len(req.Reviews) > s.cfg.MaxBulk {
		abortWithError(c, fmt.Errorf("%w: %d reviews exceed the bulk limit of %d", errBadRequest, len(req.Reviews), s.cfg.MaxBulk))
		return
	}

	results := s.ingest.AddBatch(c.Request.Context(), req.Reviews, nil)
	resp := bulkResponse{Results: make([]bulkItem, len(results))}
	for i, r := range results {
		if r.OK() {
			resp.Inserted++
			resp.Results[i].ID = r.ID
			continue
		}
		resp.Failed++
		resp.Results[i].Error = r.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	topK := 0
	if req.TopK != nil {
		topK = *req.TopK
		if topK == 0 {
			topK = -1 // an explicit zero is invalid, absent means default
		}
	}

	res, err := s.search.Search(c.Request.Context(), req.Query, topK, req.Fanout)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := searchResponse{Hits: make([]searchHit, len(res.Hits)), Probed: res.Probed, Partial: res.Partial}
	for i, h := range res.Hits {
		resp.Hits[i] = searchHit{ID: h.ID, Score: h.Score, ProductID: h.Metadata.ProductID, Rating: h.Metadata.Rating}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := reviewID(c)
	if !ok {
		return
	}
	rec, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReviewResponse(rec))
}

func (s *Server) handleUpdate(c *gin.Context) {
	id, ok := reviewID(c)
	if !ok {
		return
	}
	var req insertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	rec, err := s.ingest.Update(c.Request.Context(), id, req.review())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReviewResponse(rec))
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := reviewID(c)
	if !ok {
		return
	}
	if err := s.ingest.Delete(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func reviewID(c *gin.Context) (domain.ReviewID, bool) {
	id, err := domain.ParseReviewID(c.Param("id"))
	if err != nil || id == 0 {
		abortWithError(c, fmt.Errorf("%w: invalid review id %q", errBadRequest, c.Param("id")))
		return 0, false
	}
	return id, true
}
