// Package connection owns the connection request table and its state
// machine: pending requests are created by the requester and resolved once,
// by the addressee, to accepted or rejected.
//
// At most one request exists per unordered pair of users. The guard is the
// unique index on the canonical pair key, so two racing requests for the same
// pair (in either direction) produce exactly one row and one ErrDuplicatePair.
package connection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/hub"
	"chiller/backend/internal/metrics"
	"chiller/backend/internal/models"
)

var tracer = otel.Tracer("chiller/backend/internal/connection")

// Status is the relationship between two users as seen from one of them.
type Status string

const (
	StatusNone            Status = "none"
	StatusPendingOutgoing Status = "pending_outgoing"
	StatusPendingIncoming Status = "pending_incoming"
	StatusAccepted        Status = "accepted"
	StatusRejected        Status = "rejected"
)

// Collapse drops the direction of a pending status.
func (s Status) Collapse() string {
	switch s {
	case StatusPendingOutgoing, StatusPendingIncoming:
		return "pending"
	default:
		return string(s)
	}
}

// PendingRequest is one entry of a pending listing. UserID and Name describe
// the other participant.
type PendingRequest struct {
	RequestID uint      `json:"request_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier receives real-time events for a user.
type Notifier interface {
	Publish(userID string, event hub.Event)
}

// DegreeUpdater is told about every newly accepted pair.
type DegreeUpdater interface {
	OnAccepted(ctx context.Context, a, b string) error
}

// Store is the connection request table.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	notifier Notifier
	degrees  DegreeUpdater
}

// NewStore creates a Store. notifier and degrees may be nil.
func NewStore(db *gorm.DB, logger *slog.Logger, notifier Notifier, degrees DegreeUpdater) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		logger:   logger.With("component", "connection"),
		notifier: notifier,
		degrees:  degrees,
	}
}

// ValidateID rejects identifiers that are not UUIDs.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%q: %w", id, apperr.ErrInvalidID)
	}
	return nil
}

// RequestConnection creates a pending request from requester to addressee
// and returns its identifier.
func (s *Store) RequestConnection(ctx context.Context, requester, addressee string) (uint, error) {
	ctx, span := tracer.Start(ctx, "connection.RequestConnection")
	defer span.End()

	// The insert runs to completion even if the caller goes away.
	id, err := s.requestConnection(context.WithoutCancel(ctx), requester, addressee)
	metrics.ConnectionRequests.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("request.id", int64(id)))

	s.publish(addressee, hub.EventConnectionRequested, map[string]any{
		"request_id":   id,
		"requester_id": requester,
	})
	s.logger.Info("connection requested", "request_id", id, "requester", requester, "addressee", addressee)
	return id, nil
}

func (s *Store) requestConnection(ctx context.Context, requester, addressee string) (uint, error) {
	if err := ValidateID(requester); err != nil {
		return 0, err
	}
	if err := ValidateID(addressee); err != nil {
		return 0, err
	}
	if requester == addressee {
		return 0, apperr.ErrSelfConnection
	}

	db := s.db.WithContext(ctx)

	var found int64
	if err := db.Model(&models.User{}).Where("id IN ?", []string{requester, addressee}).Count(&found).Error; err != nil {
		return 0, apperr.Unavailable("look up users", err)
	}
	if found != 2 {
		return 0, apperr.ErrUserNotFound
	}

	low, high := models.PairKey(requester, addressee)
	row := models.ConnectionRequest{
		RequesterID: requester,
		AddresseeID: addressee,
		PairLow:     low,
		PairHigh:    high,
		Status:      models.StatusPending,
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_low"}, {Name: "pair_high"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return 0, apperr.Unavailable("insert connection request", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, apperr.ErrDuplicatePair
	}
	return row.ID, nil
}

// GetStatus reports the relationship between self and other from self's side.
func (s *Store) GetStatus(ctx context.Context, self, other string) (Status, error) {
	if err := ValidateID(self); err != nil {
		return "", err
	}
	if err := ValidateID(other); err != nil {
		return "", err
	}
	if self == other {
		return StatusNone, nil
	}

	row, err := s.findPair(s.db.WithContext(ctx), self, other)
	if errors.Is(err, apperr.ErrNotFound) {
		return StatusNone, nil
	}
	if err != nil {
		return "", err
	}
	return statusFor(self, row), nil
}

// StatusesFor reports self's status toward each of others in one query.
// Users without a request map to StatusNone.
func (s *Store) StatusesFor(ctx context.Context, self string, others []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(others))
	for _, id := range others {
		statuses[id] = StatusNone
	}
	if len(others) == 0 {
		return statuses, nil
	}

	var rows []models.ConnectionRequest
	err := s.db.WithContext(ctx).
		Where("(requester_id = ? AND addressee_id IN ?) OR (addressee_id = ? AND requester_id IN ?)", self, others, self, others).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Unavailable("load statuses", err)
	}
	for i := range rows {
		statuses[rows[i].Other(self)] = statusFor(self, &rows[i])
	}
	return statuses, nil
}

func statusFor(self string, row *models.ConnectionRequest) Status {
	switch row.Status {
	case models.StatusAccepted:
		return StatusAccepted
	case models.StatusRejected:
		return StatusRejected
	default:
		if row.RequesterID == self {
			return StatusPendingOutgoing
		}
		return StatusPendingIncoming
	}
}

// Respond resolves the pending request sent by requester to addressee.
// Only the addressee may respond and only once; a losing concurrent
// response observes ErrAlreadyResolved.
func (s *Store) Respond(ctx context.Context, addressee, requester string, decision models.RequestStatus) error {
	ctx, span := tracer.Start(ctx, "connection.Respond")
	defer span.End()
	span.SetAttributes(attribute.String("decision", string(decision)))

	ctx = context.WithoutCancel(ctx)
	row, err := s.respond(ctx, addressee, requester, decision)
	metrics.ConnectionResponses.WithLabelValues(string(decision), resultLabel(err)).Inc()
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAuthorization {
			s.logger.Warn("respond by non-addressee rejected",
				"caller", addressee, "requester", requester, "request_id", row.ID)
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	event := hub.EventConnectionRejected
	if decision == models.StatusAccepted {
		event = hub.EventConnectionAccepted
	}
	s.publish(requester, event, map[string]any{
		"request_id":   row.ID,
		"addressee_id": addressee,
	})
	s.logger.Info("connection request resolved", "request_id", row.ID, "decision", decision)

	// Rejected requests never contributed degree edges.
	if decision == models.StatusAccepted && s.degrees != nil {
		if err := s.degrees.OnAccepted(ctx, requester, addressee); err != nil {
			s.logger.Warn("degree recompute deferred to repair", "request_id", row.ID, "error", err)
		}
	}
	return nil
}

func (s *Store) respond(ctx context.Context, addressee, requester string, decision models.RequestStatus) (*models.ConnectionRequest, error) {
	if decision != models.StatusAccepted && decision != models.StatusRejected {
		return &models.ConnectionRequest{}, apperr.Invalid("decision must be accepted or rejected, got %q", decision)
	}
	if err := ValidateID(addressee); err != nil {
		return &models.ConnectionRequest{}, err
	}
	if err := ValidateID(requester); err != nil {
		return &models.ConnectionRequest{}, err
	}
	if addressee == requester {
		return &models.ConnectionRequest{}, apperr.ErrSelfConnection
	}

	db := s.db.WithContext(ctx)
	row, err := s.findPair(db, addressee, requester)
	if err != nil {
		return &models.ConnectionRequest{}, err
	}
	if row.AddresseeID != addressee {
		return row, apperr.ErrNotAuthorized
	}
	if !row.Status.CanTransition(decision) {
		return row, apperr.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	result := db.Model(&models.ConnectionRequest{}).
		Where("id = ? AND status = ?", row.ID, models.StatusPending).
		Updates(map[string]any{"status": decision, "responded_at": now})
	if result.Error != nil {
		return row, apperr.Unavailable("update connection request", result.Error)
	}
	if result.RowsAffected == 0 {
		return row, apperr.ErrAlreadyResolved
	}

	row.Status = decision
	row.RespondedAt = &now
	return row, nil
}

// ListPendingIncoming yields the pending requests addressed to self, oldest
// first. Each range over the sequence runs the query again. The sequence
// holds a database connection while it is being consumed, so callers must
// not issue other queries from inside the loop.
func (s *Store) ListPendingIncoming(ctx context.Context, self string) iter.Seq2[PendingRequest, error] {
	return s.listPending(ctx, self, "addressee_id", "requester_id")
}

// ListPendingOutgoing yields the pending requests sent by self, oldest first.
func (s *Store) ListPendingOutgoing(ctx context.Context, self string) iter.Seq2[PendingRequest, error] {
	return s.listPending(ctx, self, "requester_id", "addressee_id")
}

func (s *Store) listPending(ctx context.Context, self, selfColumn, otherColumn string) iter.Seq2[PendingRequest, error] {
	return func(yield func(PendingRequest, error) bool) {
		if err := ValidateID(self); err != nil {
			yield(PendingRequest{}, err)
			return
		}

		rows, err := s.db.WithContext(ctx).
			Table("connection_requests AS cr").
			Select("cr.id, cr."+otherColumn+", u.name, cr.created_at").
			Joins("JOIN users u ON u.id = cr."+otherColumn).
			Where("cr."+selfColumn+" = ? AND cr.status = ?", self, models.StatusPending).
			Order("cr.created_at ASC, cr.id ASC").
			Rows()
		if err != nil {
			yield(PendingRequest{}, apperr.Unavailable("list pending requests", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var p PendingRequest
			if err := rows.Scan(&p.RequestID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
				yield(PendingRequest{}, apperr.Unavailable("scan pending request", err))
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(PendingRequest{}, apperr.Unavailable("list pending requests", err))
		}
	}
}

// findPair returns the request between a and b in either direction.
func (s *Store) findPair(db *gorm.DB, a, b string) (*models.ConnectionRequest, error) {
	low, high := models.PairKey(a, b)

	var row models.ConnectionRequest
	err := db.Where("pair_low = ? AND pair_high = ?", low, high).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Unavailable("find connection request", err)
	}
	return &row, nil
}

func (s *Store) publish(userID, eventType string, payload any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(userID, hub.Event{Type: eventType, Payload: payload})
}

func resultLabel(err error) string {
	if err == nil {
		return metrics.ResultOK
	}
	return apperr.CodeOf(err)
}
