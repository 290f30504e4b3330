package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodehost/internal/archive"
	"github.com/loykin/nodehost/internal/auth"
	"github.com/loykin/nodehost/internal/node"
	"github.com/loykin/nodehost/internal/store"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  int      `json:"status"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

type dataResponse struct {
	Data any `json:"data"`
}

type listResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func respondData(c *gin.Context, code int, v any) {
	c.JSON(code, dataResponse{Data: v})
}

func respondList(c *gin.Context, items any, total int) {
	c.JSON(http.StatusOK, listResponse{Items: items, Total: total})
}

// respondError sends a standardized error response
func respondError(c *gin.Context, code int, message string, errs ...error) {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			out = append(out, e.Error())
		}
	}
	if code == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", auth.Challenge)
	}
	c.AbortWithStatusJSON(code, ErrorResponse{Status: code, Message: message, Errors: out})
}

// fail logs server-side failures and responds.
func (r *Router) fail(c *gin.Context, code int, message string, err error) {
	if code >= http.StatusInternalServerError {
		r.log.Error(message, "path", c.FullPath(), "error", err)
	}
	respondError(c, code, message, err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNameConflict),
		errors.Is(err, store.ErrLoginConflict),
		errors.Is(err, node.ErrAlreadyRunning),
		errors.Is(err, archive.ErrNodeRunning):
		return http.StatusConflict
	case node.IsInvalid(err),
		errors.Is(err, archive.ErrNoFile),
		errors.Is(err, archive.ErrUnsafePath),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, node.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client message of err, falling back to def for
// unclassified failures.
func messageFor(err error, def string) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "Record not found"
	case errors.Is(err, store.ErrNameConflict):
		return "Node name already in use"
	case errors.Is(err, store.ErrLoginConflict):
		return "Login already in use"
	case errors.Is(err, node.ErrAlreadyRunning):
		return "Node is already running"
	case errors.Is(err, archive.ErrNodeRunning):
		return "Error uploading file. Instance is running."
	case errors.Is(err, archive.ErrNoFile):
		return "Error uploading file. No file."
	case errors.Is(err, archive.ErrUnsafePath):
		return "Archive contains unsafe paths"
	case node.IsInvalid(err), errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid request"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, node.ErrShuttingDown):
		return "Controller is shutting down"
	default:
		return def
	}
}

func (r *Router) failWith(c *gin.Context, err error, def string) {
	r.fail(c, statusFor(err), messageFor(err, def), err)
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeID validates node ids before they reach the filesystem layer.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeID(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

type idArgs struct {
	ID string `json:"id" form:"id"`
}

// requestID reads the node id from the query string, a form field or the
// JSON body.
func requestID(c *gin.Context) (string, bool) {
	id := c.Query("id")
	if id == "" {
		var a idArgs
		if c.Request.ContentLength != 0 {
			_ = c.ShouldBind(&a)
		}
		id = a.ID
	}
	if !isSafeID(id) {
		respondError(c, http.StatusBadRequest, "Invalid request", errors.New("a valid id is required"))
		return "", false
	}
	return id, true
}

// parseListOptions reads limit, start, sort and desc.
func parseListOptions(c *gin.Context) (store.ListOptions, error) {
	opts := store.ListOptions{Limit: store.DefaultListLimit, Sort: store.DefaultListSort}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("limit must be a non-negative number")
		}
		opts.Limit = n
	}
	if v := c.Query("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errors.New("start must be a non-negative number")
		}
		opts.Offset = n
	}
	if v := c.Query("sort"); v != "" {
		if !store.ValidSort(v) {
			return opts, errors.New("sort must be one of name, type, created, updated, started, stopped")
		}
		opts.Sort = v
	}
	if v := c.Query("desc"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("desc must be a boolean")
		}
		opts.Desc = b
	}
	return opts, nil
}
