package handlers

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
	"storefront/internal/domain/session"
	"storefront/internal/infrastructure/http/v1/dto"
)

// SessionHandler starts, moves and ends storefront sessions.
type SessionHandler struct {
	*BaseHandler
	sessions *session.Manager
	tokens   *session.TokenService
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *BaseHandler, sessions *session.Manager, tokens *session.TokenService) *SessionHandler {
	return &SessionHandler{
		BaseHandler: base,
		sessions:    sessions,
		tokens:      tokens,
	}
}

// Open handles POST /session
func (h *SessionHandler) Open(c *gin.Context) {
	var req dto.OpenSessionRequest
	// The body is optional: an empty one opens an anonymous session at "/".
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return
	}

	token, sc, expiresAt, err := h.tokens.Issue(req.CustomerID)
	if err != nil {
		h.Error(c, err)
		return
	}

	ctx := appctx.WithSession(c.Request.Context(), sc)
	s, err := h.sessions.Open(ctx, sc, req.URL)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.SessionResponse{
		Token:     token,
		SessionID: sc.SessionID,
		ExpiresAt: expiresAt,
		Location:  s.Location.Resolve(ctx),
	})
}

// Navigate handles POST /session/navigate
func (h *SessionHandler) Navigate(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}

	var req dto.NavigateRequest
	if !h.BindJSON(c, &req) {
		return
	}

	loc, err := h.sessions.Navigate(c.Request.Context(), s, req.URL)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, loc)
}

// Close handles DELETE /session
func (h *SessionHandler) Close(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}
	if err := h.sessions.End(c.Request.Context(), s.ID); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "session closed")
}
