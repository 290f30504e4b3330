package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodehost/internal/node"
)

func (r *Router) handleListNodes(c *gin.Context) {
	opts, err := parseListOptions(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	items, total, err := r.deps.Nodes.List(c.Request.Context(), opts)
	if err != nil {
		r.failWith(c, err, "Error getting from database")
		return
	}
	respondList(c, items, total)
}

func (r *Router) handleGetNode(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	v, err := r.deps.Nodes.Get(c.Request.Context(), id)
	if err != nil {
		r.failWith(c, err, "Error getting database record")
		return
	}
	respondData(c, http.StatusOK, v)
}

func (r *Router) handleNodeTypes(c *gin.Context) {
	types := r.deps.Nodes.Types()
	respondList(c, types, len(types))
}

func (r *Router) handleCreateNode(c *gin.Context) {
	var in node.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	n, err := r.deps.Nodes.Create(c.Request.Context(), in)
	if err != nil {
		r.failWith(c, err, "Error inserting into database")
		return
	}
	respondData(c, http.StatusCreated, n)
}

type updateRequest struct {
	ID string `json:"id"`
	node.UpdateInput
}

func (r *Router) handleUpdateNode(c *gin.Context) {
	var in updateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	if !isSafeID(in.ID) {
		respondError(c, http.StatusBadRequest, "Invalid request", errors.New("a valid id is required"))
		return
	}
	n, err := r.deps.Nodes.Update(c.Request.Context(), in.ID, in.UpdateInput)
	if err != nil {
		r.failWith(c, err, "Error updating database record")
		return
	}
	respondData(c, http.StatusOK, n)
}

func (r *Router) handleDeleteNode(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	err := r.deps.Nodes.Delete(c.Request.Context(), id)
	switch {
	case err == nil:
		respondData(c, http.StatusOK, 1)
	case errors.Is(err, node.ErrKillFailed):
		r.fail(c, http.StatusInternalServerError, "Error killing process", err)
	case errors.Is(err, node.ErrWorkspaceMissing):
		r.fail(c, http.StatusInternalServerError, "Error deleting node directory", err)
	default:
		r.failWith(c, err, "Error removing database record")
	}
}

// handleStartNode answers once the start has settled. A worker that failed
// within the settle window is still a 200; the record carries error=true.
func (r *Router) handleStartNode(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	res, err := r.deps.Nodes.Start(c.Request.Context(), id)
	if err != nil {
		r.failWith(c, err, "Error updating database record")
		return
	}
	respondData(c, http.StatusOK, res.Node)
}

func (r *Router) handleStopNode(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	n, err := r.deps.Nodes.Stop(c.Request.Context(), id)
	if err != nil && !(errors.Is(err, node.ErrNotRunning) && n != nil) {
		r.failWith(c, err, "Error updating database record")
		return
	}
	respondData(c, http.StatusOK, n)
}
