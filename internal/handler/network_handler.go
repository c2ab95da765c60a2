package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/auth"
)

// GetDegreeOne godoc
// @Summary      List direct contacts
// @Description  The caller's accepted connections, ordered by name.
// @Tags         network
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   degree.Contact
// @Failure      401  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /network/degree-one [get]
func (h *Handler) GetDegreeOne(c *gin.Context) {
	contacts, err := h.Degrees.DegreeOne(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contacts)
}

// GetDegreeTwo godoc
// @Summary      List friends of friends
// @Description  Users two hops away from the caller with the mutual contact linking them. A user reachable through several mutuals appears once per mutual.
// @Tags         network
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   degree.MutualContact
// @Failure      401  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /network/degree-two [get]
func (h *Handler) GetDegreeTwo(c *gin.Context) {
	contacts, err := h.Degrees.DegreeTwo(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, contacts)
}

// RebuildDegrees godoc
// @Summary      Rebuild the degree view
// @Description  Re-derives the degree edges of every user from accepted connections. Admin only.
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  degree.RebuildReport
// @Failure      401  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /admin/degrees/rebuild [post]
func (h *Handler) RebuildDegrees(c *gin.Context) {
	h.Logger.Info("degree rebuild requested", "admin", auth.UserID(c))

	// A rebuild is not abandoned when the caller disconnects.
	report, err := h.Degrees.RebuildAll(context.WithoutCancel(c.Request.Context()), h.RebuildConcurrency)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
