package handler

import (
	"iter"
	"net/http"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/auth"
	"chiller/backend/internal/connection"
	"chiller/backend/internal/models"
)

// StatusResponse is the caller's relationship with another user.
type StatusResponse struct {
	UserID string `json:"user_id" example:"6f1c1a8e-3c5d-4c1e-9d3a-0c7c8c9b1a2f"`
	Status string `json:"status" example:"pending_outgoing"`
}

// RequestResponse is returned when a connection request is created.
type RequestResponse struct {
	RequestID uint `json:"request_id" example:"42"`
}

// GetStatus godoc
// @Summary      Get connection status
// @Description  Reports the relationship between the caller and another user: none, pending_outgoing, pending_incoming, accepted or rejected.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Other User ID"
// @Success      200  {object}  StatusResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Router       /users/{id}/status [get]
func (h *Handler) GetStatus(c *gin.Context) {
	other := c.Param("id")
	status, err := h.Connections.GetStatus(c.Request.Context(), auth.UserID(c), other)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{UserID: other, Status: string(status)})
}

// SendRequest godoc
// @Summary      Send connection request
// @Description  Sends a connection request to another user. Fails when any relationship with that user already exists.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Target User ID"
// @Success      201  {object}  RequestResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse "Target user not found"
// @Failure      409  {object}  ErrorResponse "Relation already exists"
// @Failure      503  {object}  ErrorResponse
// @Router       /users/{id}/request [post]
func (h *Handler) SendRequest(c *gin.Context) {
	id, err := h.Matcher.Connect(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, RequestResponse{RequestID: id})
}

// AcceptRequest godoc
// @Summary      Accept connection request
// @Description  Accepts the pending request sent by another user and refreshes the degree views it affects.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Requesting User ID"
// @Success      200  {object}  map[string]string "{"status": "accepted"}"
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse "Caller sent the request"
// @Failure      404  {object}  ErrorResponse "Request not found"
// @Failure      409  {object}  ErrorResponse "Request already resolved"
// @Router       /users/{id}/accept [post]
func (h *Handler) AcceptRequest(c *gin.Context) {
	h.respond(c, models.StatusAccepted)
}

// RejectRequest godoc
// @Summary      Reject connection request
// @Description  Rejects the pending request sent by another user.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Requesting User ID"
// @Success      200  {object}  map[string]string "{"status": "rejected"}"
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse "Caller sent the request"
// @Failure      404  {object}  ErrorResponse "Request not found"
// @Failure      409  {object}  ErrorResponse "Request already resolved"
// @Router       /users/{id}/reject [post]
func (h *Handler) RejectRequest(c *gin.Context) {
	h.respond(c, models.StatusRejected)
}

func (h *Handler) respond(c *gin.Context, decision models.RequestStatus) {
	if err := h.Connections.Respond(c.Request.Context(), auth.UserID(c), c.Param("id"), decision); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": decision})
}

// ListPendingIncoming godoc
// @Summary      List incoming requests
// @Description  Pending requests addressed to the caller, oldest first.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   connection.PendingRequest
// @Failure      401  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /connections/pending [get]
func (h *Handler) ListPendingIncoming(c *gin.Context) {
	h.listPending(c, h.Connections.ListPendingIncoming(c.Request.Context(), auth.UserID(c)))
}

// ListPendingOutgoing godoc
// @Summary      List sent requests
// @Description  Pending requests sent by the caller, oldest first.
// @Tags         connections
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   connection.PendingRequest
// @Failure      401  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /connections/outgoing [get]
func (h *Handler) ListPendingOutgoing(c *gin.Context) {
	h.listPending(c, h.Connections.ListPendingOutgoing(c.Request.Context(), auth.UserID(c)))
}

func (h *Handler) listPending(c *gin.Context, seq iter.Seq2[connection.PendingRequest, error]) {
	requests := []connection.PendingRequest{}
	for p, err := range seq {
		if err != nil {
			h.respondError(c, err)
			return
		}
		requests = append(requests, p)
	}
	c.JSON(http.StatusOK, requests)
}
