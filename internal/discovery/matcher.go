// Package discovery matches a user's address book against registered
// accounts and starts connections from the results.
package discovery

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/connection"
	"chiller/backend/internal/metrics"
	"chiller/backend/internal/models"
	"chiller/backend/internal/phone"
)

var tracer = otel.Tracer("chiller/backend/internal/discovery")

const lookupChunk = 400

// Match is a registered user found in the caller's contacts.
type Match struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	// Status is one of none, pending, accepted or rejected.
	Status string `json:"status"`
}

// Graph is the part of the connection store discovery relies on.
type Graph interface {
	GetStatus(ctx context.Context, self, other string) (connection.Status, error)
	StatusesFor(ctx context.Context, self string, others []string) (map[string]connection.Status, error)
	RequestConnection(ctx context.Context, requester, addressee string) (uint, error)
}

// Matcher runs contact discovery.
type Matcher struct {
	db     *gorm.DB
	graph  Graph
	phones *phone.Normalizer
	logger *slog.Logger
}

// NewMatcher creates a Matcher. phones must be the normalizer used when
// numbers are stored.
func NewMatcher(db *gorm.DB, graph Graph, phones *phone.Normalizer, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		db:     db,
		graph:  graph,
		phones: phones,
		logger: logger.With("component", "discovery"),
	}
}

// MatchContacts returns the registered users whose phone number appears in
// rawNumbers, ordered by name then id, with the caller's status toward each.
// Numbers that cannot be normalized are skipped and the caller never
// matches itself.
func (m *Matcher) MatchContacts(ctx context.Context, self string, rawNumbers []string) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "discovery.MatchContacts")
	defer span.End()

	if err := connection.ValidateID(self); err != nil {
		return nil, err
	}

	numbers := m.normalize(rawNumbers)
	span.SetAttributes(attribute.Int("contacts", len(rawNumbers)), attribute.Int("numbers", len(numbers)))

	matches := []Match{}
	for chunk := range slices.Chunk(numbers, lookupChunk) {
		var users []models.User
		err := m.db.WithContext(ctx).
			Select("id, name, phone").
			Where("phone IN ? AND id <> ?", chunk, self).
			Find(&users).Error
		if err != nil {
			return nil, apperr.Unavailable("match contacts", err)
		}
		if len(users) == 0 {
			continue
		}

		ids := make([]string, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}
		statuses, err := m.graph.StatusesFor(ctx, self, ids)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			matches = append(matches, Match{
				UserID: u.ID,
				Name:   u.Name,
				Phone:  u.Phone,
				Status: statuses[u.ID].Collapse(),
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Name != matches[j].Name {
			return matches[i].Name < matches[j].Name
		}
		return matches[i].UserID < matches[j].UserID
	})

	metrics.DiscoveryMatches.Add(float64(len(matches)))
	span.SetAttributes(attribute.Int("matches", len(matches)))
	m.logger.Debug("contacts matched", "user_id", self, "numbers", len(numbers), "matches", len(matches))
	return matches, nil
}

// Connect sends a request to target unless a relationship with target
// already exists. The store's pair constraint still decides races.
func (m *Matcher) Connect(ctx context.Context, self, target string) (uint, error) {
	status, err := m.graph.GetStatus(ctx, self, target)
	if err != nil {
		return 0, err
	}
	if status != connection.StatusNone {
		return 0, apperr.ErrAlreadyInProgress
	}
	return m.graph.RequestConnection(ctx, self, target)
}

// normalize canonicalizes and dedupes raw numbers, dropping the ones that
// do not parse.
func (m *Matcher) normalize(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	numbers := make([]string, 0, len(raw))
	for _, r := range raw {
		n, err := m.phones.Normalize(r)
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		numbers = append(numbers, n)
	}
	return numbers
}
