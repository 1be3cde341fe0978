package storeserver

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clientIDContextKey = "stackfall_client_id"

var (
	errMissingSessionIssuer = errors.New("session issuer dependency required")
	errMissingService       = errors.New("kv service dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// SessionIssuer issues and validates store-session bearer tokens.
type SessionIssuer interface {
	IssueSessionToken(clientID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface of the store service.
type Dependencies struct {
	Sessions SessionIssuer
	Service  *Service
	Logger   *zap.Logger
}

// NewHTTPHandler builds the store API: join, key/value CRUD, watch stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions: deps.Sessions,
		service:  deps.Service,
		logger:   logger,
	}

	router.POST("/v1/join", handler.handleJoin)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/kv/*path", handler.handleGet)
	protected.PUT("/kv/*path", handler.handleSet)
	protected.PATCH("/kv/*path", handler.handleUpdate)
	protected.DELETE("/kv/*path", handler.handleDelete)
	protected.GET("/watch", handler.handleWatch)

	return router, nil
}

type httpHandler struct {
	sessions SessionIssuer
	service  *Service
	logger   *zap.Logger
}

type joinRequestPayload struct {
	ClientID string `json:"clientId"`
}

type joinResponsePayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	var request joinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(strings.TrimSpace(request.ClientID))
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, joinResponsePayload{AccessToken: token, ExpiresIn: expiresIn})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	path := requestPath(c)
	if c.Query("children") != "" {
		snapshot, err := h.service.GetChildren(c.Request.Context(), path)
		if err != nil {
			h.respondError(c, path, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
		return
	}

	doc, err := h.service.GetDoc(c.Request.Context(), path)
	if err != nil {
		h.respondError(c, path, err)
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (h *httpHandler) handleSet(c *gin.Context) {
	path := requestPath(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.service.SetDoc(c.Request.Context(), path, body); err != nil {
		h.respondError(c, path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	path := requestPath(c)
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil || len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.service.UpdateDoc(c.Request.Context(), path, fields); err != nil {
		h.respondError(c, path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	path := requestPath(c)
	if err := h.service.DeleteDoc(c.Request.Context(), path); err != nil {
		h.respondError(c, path, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleWatch(c *gin.Context) {
	clientID := c.GetString(clientIDContextKey)
	if clientID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.serveWatch(c.Writer, c.Request, clientID)
}

func (h *httpHandler) respondError(c *gin.Context, path string, err error) {
	switch {
	case errors.Is(err, ErrFutureTimestamp):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "future_timestamp"})
	case errors.Is(err, ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
	default:
		h.logger.Error("kv request failed", zap.String("path", path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// authorizeRequest accepts the session token from the Authorization header
// or, for watch streams opened by browser clients that cannot set headers,
// from the token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	clientID, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientIDContextKey, clientID)
	c.Next()
}

func requestPath(c *gin.Context) string {
	return strings.Trim(c.Param("path"), "/")
}
