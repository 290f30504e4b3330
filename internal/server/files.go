package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodehost/internal/archive"
)

// handleUpload stages the multipart "upload" file and unpacks it into the
// node directory.
func (r *Router) handleUpload(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("upload")
	if err != nil {
		r.failWith(c, archive.ErrNoFile, "")
		return
	}
	src, err := fh.Open()
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "Error uploading file", err)
		return
	}
	defer func() { _ = src.Close() }()

	staged, err := r.deps.Archive.Stage(src)
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "Error uploading file", err)
		return
	}
	if err := r.deps.Archive.Import(c.Request.Context(), id, staged); err != nil {
		r.failWith(c, err, "Error extracting archive")
		return
	}
	respondData(c, http.StatusOK, 1)
}

func (r *Router) handleDownload(c *gin.Context) {
	id, ok := requestID(c)
	if !ok {
		return
	}
	a, err := r.deps.Archive.Export(c.Request.Context(), id)
	if err != nil {
		r.failWith(c, err, "Error compressing node directory")
		return
	}
	f, err := r.deps.Archive.Open(a)
	if err != nil {
		r.fail(c, http.StatusInternalServerError, "Error compressing node directory", err)
		return
	}
	defer func() { _ = f.Close() }()
	c.DataFromReader(http.StatusOK, a.Size, "application/zip", f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", a.Name),
	})
}
