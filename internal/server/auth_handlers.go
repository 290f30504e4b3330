package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/nodehost/internal/auth"
)

// Credentials is the body of /login and /user.
type Credentials struct {
	Login    string `json:"login" form:"login" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

type tokenResponse struct {
	Token          string    `json:"token"`
	ExpirationDate time.Time `json:"expirationDate"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var in Credentials
	if err := c.ShouldBind(&in); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	sess, err := r.deps.Auth.Login(c.Request.Context(), in.Login, in.Password)
	if err != nil {
		r.failWith(c, err, "Error getting database record")
		return
	}
	r.log.Info("user logged in", "login", in.Login)
	respondData(c, http.StatusOK, tokenResponse{Token: sess.Token, ExpirationDate: sess.Expires})
}

func (r *Router) handleLogout(c *gin.Context) {
	p, _ := auth.FromContext(c)
	if err := r.deps.Auth.Logout(c.Request.Context(), p.Token); err != nil {
		r.failWith(c, err, "Error updating database record")
		return
	}
	respondData(c, http.StatusOK, gin.H{"login": p.User.Login})
}

func (r *Router) handleCreateUser(c *gin.Context) {
	var in Credentials
	if err := c.ShouldBind(&in); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request", err)
		return
	}
	u, err := r.deps.Auth.CreateUser(c.Request.Context(), in.Login, in.Password)
	if err != nil {
		r.failWith(c, err, "Error inserting into database")
		return
	}
	respondData(c, http.StatusCreated, u)
}

func (r *Router) handleMe(c *gin.Context) {
	p, _ := auth.FromContext(c)
	respondData(c, http.StatusOK, p.User)
}

func (r *Router) handleRenew(c *gin.Context) {
	p, _ := auth.FromContext(c)
	sess, err := r.deps.Auth.Renew(c.Request.Context(), p.Token)
	if err != nil {
		r.failWith(c, err, "Error updating database record")
		return
	}
	respondData(c, http.StatusOK, tokenResponse{Token: sess.Token, ExpirationDate: sess.Expires})
}
