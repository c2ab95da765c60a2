package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chiller/backend/internal/auth"
)

// PostInput defines the structure for creating a post.
type PostInput struct {
	ContentHeader string  `json:"content_header" binding:"required" example:"Weekend trek"`
	Content       *string `json:"content" example:"Anyone up for Sunday?"`
}

// CreatePost godoc
// @Summary      Create a post
// @Description  Publishes a post by the caller. The header is required and limited to 100 characters.
// @Tags         posts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body PostInput true "Post"
// @Success      201  {object}  feed.PostView
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Router       /posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var input PostInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondBindError(c, err)
		return
	}

	post, err := h.Feed.CreatePost(c.Request.Context(), auth.UserID(c), input.ContentHeader, input.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

// GetMyPosts godoc
// @Summary      List own posts
// @Description  The caller's posts, newest first.
// @Tags         posts
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   feed.PostView
// @Failure      401  {object}  ErrorResponse
// @Router       /posts/me [get]
func (h *Handler) GetMyPosts(c *gin.Context) {
	posts, err := h.Feed.ListOwnPosts(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, posts)
}

// GetFeed godoc
// @Summary      News feed
// @Description  Posts written by the caller's direct contacts, newest first.
// @Tags         posts
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   feed.PostView
// @Failure      401  {object}  ErrorResponse
// @Router       /feed [get]
func (h *Handler) GetFeed(c *gin.Context) {
	posts, err := h.Feed.NewsFeed(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, posts)
}
