// Package feed serves posts: creating them, listing a user's own posts and
// the chronological news feed built from a user's direct contacts.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/connection"
	"chiller/backend/internal/models"
)

// PostView is a post as returned to clients.
type PostView struct {
	ID            uint      `json:"id"`
	AuthorID      string    `json:"author_id"`
	AuthorName    string    `json:"author_name"`
	ContentHeader string    `json:"content_header"`
	Content       *string   `json:"content,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Service runs post commands and queries.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger.With("component", "feed")}
}

// CreatePost stores a post by author. header is required and content may be nil.
func (s *Service) CreatePost(ctx context.Context, author, header string, content *string) (PostView, error) {
	if err := connection.ValidateID(author); err != nil {
		return PostView{}, err
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return PostView{}, apperr.Invalid("content header is required")
	}
	if utf8.RuneCountInString(header) > models.MaxPostHeaderLength {
		return PostView{}, apperr.Invalid("content header must be at most %d characters", models.MaxPostHeaderLength)
	}
	if content != nil && strings.TrimSpace(*content) == "" {
		content = nil
	}

	var user models.User
	err := s.db.WithContext(ctx).Select("id, name").Where("id = ?", author).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PostView{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return PostView{}, apperr.Unavailable("load author", err)
	}

	post := models.Post{AuthorID: author, ContentHeader: header, Content: content}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Omit("Author").Create(&post).Error; err != nil {
		return PostView{}, apperr.Unavailable("create post", err)
	}
	s.logger.Info("post created", "post_id", post.ID, "author", author)

	return PostView{
		ID:            post.ID,
		AuthorID:      author,
		AuthorName:    user.Name,
		ContentHeader: post.ContentHeader,
		Content:       post.Content,
		CreatedAt:     post.CreatedAt,
	}, nil
}

// ListOwnPosts returns the posts of author, newest first.
func (s *Service) ListOwnPosts(ctx context.Context, author string) ([]PostView, error) {
	if err := connection.ValidateID(author); err != nil {
		return nil, err
	}
	return s.query(ctx, "p.author_id = ?", author)
}

// NewsFeed returns the posts written by the direct contacts of self, newest
// first. Contacts are read from the materialized degree view.
func (s *Service) NewsFeed(ctx context.Context, self string) ([]PostView, error) {
	if err := connection.ValidateID(self); err != nil {
		return nil, err
	}
	contacts := s.db.WithContext(ctx).
		Model(&models.DegreeEdge{}).
		Select("related_id").
		Where("self_id = ? AND degree = ?", self, 1)
	return s.query(ctx, "p.author_id IN (?)", contacts)
}

func (s *Service) query(ctx context.Context, cond string, args ...any) ([]PostView, error) {
	posts := []PostView{}
	err := s.db.WithContext(ctx).
		Table("posts AS p").
		Select("p.id, p.author_id, u.name AS author_name, p.content_header, p.content, p.created_at").
		Joins("JOIN users u ON u.id = p.author_id").
		Where(cond, args...).
		Order("p.created_at DESC, p.id DESC").
		Scan(&posts).Error
	if err != nil {
		return nil, apperr.Unavailable("list posts", err)
	}
	return posts, nil
}
