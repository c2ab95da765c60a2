package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/auth"
	"chiller/backend/internal/models"
)

// region --- DTOs ---

// RegisterInput defines the structure for user registration. Code is the
// one-time code proving control of the phone number.
type RegisterInput struct {
	Name  string `json:"name" binding:"required,max=255" example:"Asha"`
	Phone string `json:"phone" binding:"required,phone" example:"+91 98765 43210"`
	Email string `json:"email" binding:"omitempty,email" example:"asha@example.com"`
	Code  string `json:"code" binding:"required" example:"123456"`
}

// LoginInput defines the structure for user login.
type LoginInput struct {
	Login string `json:"login" binding:"required" example:"9876543210"`
	Code  string `json:"code" binding:"required" example:"123456"`
}

// UpdateProfileInput lists the profile fields that may change. Omitted
// fields are left as they are.
type UpdateProfileInput struct {
	Name  *string `json:"name" example:"Asha K"`
	Phone *string `json:"phone" example:"9876543210"`
}

// UserResponse defines the structure for the authenticated user's own profile.
type UserResponse struct {
	ID        string    `json:"id" example:"6f1c1a8e-3c5d-4c1e-9d3a-0c7c8c9b1a2f"`
	Name      string    `json:"name" example:"Asha"`
	Phone     string    `json:"phone" example:"9876543210"`
	Email     *string   `json:"email,omitempty" example:"asha@example.com"`
	Role      string    `json:"role" example:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// endregion

// region --- Auth Handlers ---

// RegisterUser godoc
// @Summary      Register a new user
// @Description  Verifies the one-time code for the phone number, creates the account and returns an authentication token.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body RegisterInput true "Registration Info"
// @Success      201  {object}  AuthResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse "Code rejected"
// @Failure      409  {object}  ErrorResponse "Phone or email already registered"
// @Failure      503  {object}  ErrorResponse
// @Router       /auth/register [post]
func (h *Handler) RegisterUser(c *gin.Context) {
	var input RegisterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := h.Verifier.Verify(ctx, input.Phone, input.Code); err != nil {
		h.respondError(c, err)
		return
	}

	var email *string
	if e := strings.TrimSpace(input.Email); e != "" {
		email = &e
	}
	user, err := h.Users.Register(ctx, input.Name, input.Phone, email)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.respondWithToken(c, http.StatusCreated, user)
}

// LoginUser godoc
// @Summary      Log in a user
// @Description  Authenticates a user by phone number or email and a one-time code, and returns a new token.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body LoginInput true "Login Info"
// @Success      200  {object}  AuthResponse
// @Failure      400  {object}  ErrorResponse "Invalid input"
// @Failure      401  {object}  ErrorResponse "Code rejected"
// @Failure      404  {object}  ErrorResponse "User not found"
// @Failure      503  {object}  ErrorResponse
// @Router       /auth/login [post]
func (h *Handler) LoginUser(c *gin.Context) {
	var input LoginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()

	if err := h.Verifier.Verify(ctx, input.Login, input.Code); err != nil {
		h.respondError(c, err)
		return
	}
	user, err := h.Users.FindByLogin(ctx, input.Login)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.respondWithToken(c, http.StatusOK, user)
}

func (h *Handler) respondWithToken(c *gin.Context, status int, user models.User) {
	token, err := h.Tokens.GenerateToken(user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, AuthResponse{Token: token, User: buildUserResponse(user)})
}

// endregion

// region --- User Handlers ---

// GetMe godoc
// @Summary      Get current user's info
// @Description  Retrieves the private profile for the currently authenticated user.
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  UserResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /users/me [get]
func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.Users.Get(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildUserResponse(user))
}

// UpdateMe godoc
// @Summary      Update current user's profile
// @Description  Changes the name and/or phone number of the authenticated user. The phone number is normalized the same way contact discovery does.
// @Tags         users
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body UpdateProfileInput true "Profile fields"
// @Success      200  {object}  UserResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse "Phone already registered"
// @Router       /users/me [patch]
func (h *Handler) UpdateMe(c *gin.Context) {
	var input UpdateProfileInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}

	userID := auth.UserID(c)
	user, err := h.Users.UpdateProfile(c.Request.Context(), userID, userID, input.Name, input.Phone)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildUserResponse(user))
}

// StreamEvents godoc
// @Summary      Stream connection events
// @Description  Server-sent events for the authenticated user: connection.requested, connection.accepted and connection.rejected.
// @Tags         users
// @Produce      text/event-stream
// @Security     BearerAuth
// @Success      200  {string}  string "event stream"
// @Failure      401  {object}  ErrorResponse
// @Router       /users/me/events [get]
func (h *Handler) StreamEvents(c *gin.Context) {
	userID := auth.UserID(c)
	client := h.Hub.Subscribe(userID)
	defer h.Hub.Unsubscribe(userID, client)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(h.KeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// endregion

// region --- Helpers ---

func buildUserResponse(user models.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Name:      user.Name,
		Phone:     user.Phone,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

// endregion
