package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/auth"
)

// ContactsInput is an uploaded address book.
type ContactsInput struct {
	Contacts []string `json:"contacts" binding:"required,max=5000" example:"+91 98765 43210"`
}

// MatchContacts godoc
// @Summary      Match phone contacts
// @Description  Returns the registered users whose phone numbers appear in the uploaded contacts, ordered by name, with the caller's status toward each (none, pending, accepted, rejected). Numbers that cannot be parsed are ignored.
// @Tags         discovery
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body ContactsInput true "Phone numbers"
// @Success      200  {array}   discovery.Match
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /discovery/contacts [post]
func (h *Handler) MatchContacts(c *gin.Context) {
	var input ContactsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}

	matches, err := h.Matcher.MatchContacts(c.Request.Context(), auth.UserID(c), input.Contacts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, matches)
}
