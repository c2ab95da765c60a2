package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/auth"
	"chiller/backend/internal/connection"
	"chiller/backend/internal/degree"
	"chiller/backend/internal/discovery"
	"chiller/backend/internal/feed"
	"chiller/backend/internal/hub"
	"chiller/backend/internal/identity"
	"chiller/backend/internal/phone"
	"chiller/backend/pkg/jwt"
)

// Deps are the services the HTTP layer is built on.
type Deps struct {
	Users       *identity.Directory
	Verifier    identity.Verifier
	Tokens      *jwt.Issuer
	Connections *connection.Store
	Degrees     *degree.Materializer
	Matcher     *discovery.Matcher
	Feed        *feed.Service
	Hub         *hub.Hub
	Phones      *phone.Normalizer
	Logger      *slog.Logger

	RebuildConcurrency int
	// KeepAlive is the interval between SSE keep-alive comments.
	KeepAlive time.Duration
}

// Handler serves the /api/v1 routes.
type Handler struct {
	Deps
}

// New creates a Handler and registers the custom binding validators.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = 25 * time.Second
	}
	if deps.RebuildConcurrency <= 0 {
		deps.RebuildConcurrency = 1
	}
	registerValidators(deps.Phones, deps.Logger)
	return &Handler{Deps: deps}
}

// RegisterRoutes mounts every endpoint on api.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	requireAuth := auth.AuthMiddleware(h.Tokens)

	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", h.RegisterUser)
		authRoutes.POST("/login", h.LoginUser)
	}

	userRoutes := api.Group("/users")
	userRoutes.Use(requireAuth)
	{
		userRoutes.GET("/me", h.GetMe)
		userRoutes.PATCH("/me", h.UpdateMe)
		userRoutes.GET("/me/events", h.StreamEvents)
		userRoutes.GET("/:id/status", h.GetStatus)

		userRoutes.POST("/:id/request", h.SendRequest)
		userRoutes.POST("/:id/accept", h.AcceptRequest)
		userRoutes.POST("/:id/reject", h.RejectRequest)
	}

	connectionRoutes := api.Group("/connections")
	connectionRoutes.Use(requireAuth)
	{
		connectionRoutes.GET("/pending", h.ListPendingIncoming)
		connectionRoutes.GET("/outgoing", h.ListPendingOutgoing)
	}

	networkRoutes := api.Group("/network")
	networkRoutes.Use(requireAuth)
	{
		networkRoutes.GET("/degree-one", h.GetDegreeOne)
		networkRoutes.GET("/degree-two", h.GetDegreeTwo)
	}

	api.POST("/discovery/contacts", requireAuth, h.MatchContacts)

	postRoutes := api.Group("")
	postRoutes.Use(requireAuth)
	{
		postRoutes.POST("/posts", h.CreatePost)
		postRoutes.GET("/posts/me", h.GetMyPosts)
		postRoutes.GET("/feed", h.GetFeed)
	}

	adminRoutes := api.Group("/admin")
	adminRoutes.Use(requireAuth, auth.AdminMiddleware(h.Users))
	{
		adminRoutes.POST("/degrees/rebuild", h.RebuildDegrees)
	}
}

// ErrorResponse represents a generic error response.
type ErrorResponse struct {
	Error string `json:"error" example:"An error message"`
	Code  string `json:"code" example:"duplicate_pair"`
}

// respondError writes err with the status code of its kind.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		status  = http.StatusInternalServerError
		message = "Internal server error"
	)
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
		message = err.Error()
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindAuthorization:
		status = http.StatusForbidden
		if errors.Is(err, apperr.ErrInvalidCode) {
			status = http.StatusUnauthorized
		}
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
		message = apperr.ErrUnavailable.Message
		c.Header("Retry-After", "5")
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Code: apperr.CodeOf(err)})
}

// respondBindError reports a request body that failed binding or validation.
func respondBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: apperr.ErrInvalidInput.Code})
}

// registerValidators adds the "phone" tag to gin's validator. A value passes
// when the normalizer accepts it.
func registerValidators(phones *phone.Normalizer, logger *slog.Logger) {
	if phones == nil {
		phones = phone.New(nil, 0)
	}
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	err := v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		_, err := phones.Normalize(fl.Field().String())
		return err == nil
	})
	if err != nil {
		logger.Warn("failed to register phone validator", "error", err)
	}
}
