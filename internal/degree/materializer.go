// Package degree maintains the materialized degree view: for every subject
// user, its direct (degree 1) contacts and its friends-of-friends (degree 2)
// together with the mutual contact that introduces them.
//
// The view is a cache derived from accepted connection requests. Writes
// always replace every edge rooted at one subject inside a single
// transaction, so recomputation is idempotent and readers see either the
// previous or the new edge set, never a partial one. Recomputation for a
// subject is serialized in-process with a keyed mutex and across processes
// with a PostgreSQL advisory lock.
//
// A failed recomputation never undoes the accepted request that triggered
// it. The subject is written to the repair queue and picked up by Worker,
// and RebuildAll re-derives the entire view for disaster recovery.
package degree

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/identity"
	"chiller/backend/internal/metrics"
	"chiller/backend/internal/models"
)

var tracer = otel.Tracer("chiller/backend/internal/degree")

// lookupChunk bounds the size of IN lists sent to the database.
const lookupChunk = 400

// Contact is a degree-1 listing entry.
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

// MutualContact is a degree-2 listing entry: UserID is reachable through MutualID.
type MutualContact struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	MutualID   string `json:"mutual_id"`
	MutualName string `json:"mutual_name"`
}

// RebuildReport summarizes a RebuildAll run.
type RebuildReport struct {
	Subjects int           `json:"subjects"`
	Failed   int           `json:"failed"`
	Edges    int64         `json:"edges"`
	Duration time.Duration `json:"duration"`
}

// ProfileLookup resolves user ids to profiles for the degree listings.
type ProfileLookup interface {
	LookupProfiles(ctx context.Context, ids []string) (map[string]identity.Profile, error)
}

// Materializer is the only writer of degree edges.
type Materializer struct {
	db       *gorm.DB
	profiles ProfileLookup
	logger   *slog.Logger
	locks    *keyedMutex

	// Subjects that could not even be written to the repair queue.
	fallbackMu sync.Mutex
	fallback   map[string]string
}

// New creates a Materializer. profiles names the users of DegreeOne and
// DegreeTwo.
func New(db *gorm.DB, profiles ProfileLookup, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		db:       db,
		profiles: profiles,
		logger:   logger.With("component", "degree"),
		locks:    newKeyedMutex(),
		fallback: make(map[string]string),
	}
}

// RecomputeDegreeOne derives the degree-1 edges of user from accepted
// requests in either direction. It does not write anything.
func (m *Materializer) RecomputeDegreeOne(ctx context.Context, user string) ([]models.DegreeEdge, error) {
	direct, err := directContacts(m.db.WithContext(ctx), user)
	if err != nil {
		return nil, err
	}
	return degreeOneEdges(user, direct), nil
}

// RecomputeDegreeTwo derives the degree-2 edges of user, one per mutual
// contact. It does not write anything.
func (m *Materializer) RecomputeDegreeTwo(ctx context.Context, user string) ([]models.DegreeEdge, error) {
	db := m.db.WithContext(ctx)
	direct, err := directContacts(db, user)
	if err != nil {
		return nil, err
	}
	return degreeTwoEdges(db, user, direct)
}

// Recompute replaces every edge rooted at user with a fresh derivation.
func (m *Materializer) Recompute(ctx context.Context, user string) error {
	ctx, span := tracer.Start(ctx, "degree.Recompute")
	defer span.End()
	span.SetAttributes(attribute.String("subject", user))

	start := time.Now()
	err := m.recompute(ctx, user)
	metrics.DegreeRecomputeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DegreeRecomputes.WithLabelValues(metrics.ResultError).Inc()
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.DegreeRecomputes.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

func (m *Materializer) recompute(ctx context.Context, user string) error {
	unlock := m.locks.Lock(user)
	defer unlock()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "degree:"+user).Error; err != nil {
				return err
			}
		}

		direct, err := directContacts(tx, user)
		if err != nil {
			return err
		}
		second, err := degreeTwoEdges(tx, user, direct)
		if err != nil {
			return err
		}
		edges := append(degreeOneEdges(user, direct), second...)

		if err := tx.Where("self_id = ?", user).Delete(&models.DegreeEdge{}).Error; err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}
		return tx.CreateInBatches(edges, 200).Error
	})
	return apperr.Unavailable("recompute degree edges", err)
}

// OnAccepted refreshes every subject whose view depends on the newly
// accepted pair: both parties and each of their direct contacts, since the
// new edge changes the friends-of-friends of all of them. Subjects that fail
// are queued for repair; the returned error only reports that this happened.
func (m *Materializer) OnAccepted(ctx context.Context, a, b string) error {
	ctx, span := tracer.Start(ctx, "degree.OnAccepted")
	defer span.End()

	subjects := []string{a, b}
	for _, party := range []string{a, b} {
		direct, err := directContacts(m.db.WithContext(ctx), party)
		if err != nil {
			// Without the neighbourhood only a full rebuild knows who is affected.
			m.enqueue(ctx, a, err)
			m.enqueue(ctx, b, err)
			return fmt.Errorf("load contacts of %s: %w", party, err)
		}
		subjects = append(subjects, direct...)
	}
	slices.Sort(subjects)
	subjects = slices.Compact(subjects)
	span.SetAttributes(attribute.Int("subjects", len(subjects)))

	var errs []error
	for _, subject := range subjects {
		if err := m.Recompute(ctx, subject); err != nil {
			m.enqueue(ctx, subject, err)
			errs = append(errs, fmt.Errorf("subject %s: %w", subject, err))
		}
	}
	return errors.Join(errs...)
}

// Edges returns the stored edges rooted at self ordered by degree, related
// user and mutual.
func (m *Materializer) Edges(ctx context.Context, self string) ([]models.DegreeEdge, error) {
	var edges []models.DegreeEdge
	err := m.db.WithContext(ctx).
		Where("self_id = ?", self).
		Order("degree ASC, related_id ASC, mutual_id ASC").
		Find(&edges).Error
	if err != nil {
		return nil, apperr.Unavailable("load degree edges", err)
	}
	return edges, nil
}

// DegreeOne lists the direct contacts of self ordered by name.
func (m *Materializer) DegreeOne(ctx context.Context, self string) ([]Contact, error) {
	edges, err := m.edgesAt(ctx, self, 1)
	if err != nil {
		return nil, err
	}
	profiles, err := m.lookup(ctx, edges)
	if err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(edges))
	for _, e := range edges {
		p, ok := profiles[e.RelatedID]
		if !ok {
			continue
		}
		contacts = append(contacts, Contact{UserID: p.ID, Name: p.Name, Phone: p.Phone})
	}
	slices.SortFunc(contacts, func(a, b Contact) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.UserID, b.UserID))
	})
	return contacts, nil
}

// DegreeTwo lists the friends-of-friends of self with their mutual contact,
// one entry per mutual.
func (m *Materializer) DegreeTwo(ctx context.Context, self string) ([]MutualContact, error) {
	edges, err := m.edgesAt(ctx, self, 2)
	if err != nil {
		return nil, err
	}
	profiles, err := m.lookup(ctx, edges)
	if err != nil {
		return nil, err
	}

	contacts := make([]MutualContact, 0, len(edges))
	for _, e := range edges {
		p, ok := profiles[e.RelatedID]
		mu, mok := profiles[e.MutualID]
		if !ok || !mok {
			continue
		}
		contacts = append(contacts, MutualContact{UserID: p.ID, Name: p.Name, MutualID: mu.ID, MutualName: mu.Name})
	}
	slices.SortFunc(contacts, func(a, b MutualContact) int {
		return cmp.Or(
			cmp.Compare(a.Name, b.Name),
			cmp.Compare(a.UserID, b.UserID),
			cmp.Compare(a.MutualName, b.MutualName),
			cmp.Compare(a.MutualID, b.MutualID),
		)
	})
	return contacts, nil
}

func (m *Materializer) edgesAt(ctx context.Context, self string, degree int) ([]models.DegreeEdge, error) {
	var edges []models.DegreeEdge
	err := m.db.WithContext(ctx).
		Where("self_id = ? AND degree = ?", self, degree).
		Find(&edges).Error
	if err != nil {
		return nil, apperr.Unavailable(fmt.Sprintf("list degree %d", degree), err)
	}
	return edges, nil
}

// lookup fetches the profiles of every related and mutual user of edges.
func (m *Materializer) lookup(ctx context.Context, edges []models.DegreeEdge) (map[string]identity.Profile, error) {
	ids := make([]string, 0, 2*len(edges))
	for _, e := range edges {
		ids = append(ids, e.RelatedID)
		if e.MutualID != "" {
			ids = append(ids, e.MutualID)
		}
	}
	slices.Sort(ids)
	return m.profiles.LookupProfiles(ctx, slices.Compact(ids))
}

// RebuildAll re-derives the edges of every subject that has an accepted
// request, existing edges or a pending repair. Subjects are replaced one at a
// time, so the view stays readable throughout.
func (m *Materializer) RebuildAll(ctx context.Context, concurrency int) (RebuildReport, error) {
	ctx, span := tracer.Start(ctx, "degree.RebuildAll")
	defer span.End()

	start := time.Now()
	subjects, err := m.allSubjects(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RebuildReport{}, err
	}
	m.logger.Info("rebuilding degree edges", "subjects", len(subjects))

	if concurrency < 1 {
		concurrency = 1
	}
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, subject := range subjects {
		g.Go(func() error {
			if err := m.Recompute(gctx, subject); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				m.enqueue(gctx, subject, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			m.dequeue(gctx, subject)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RebuildReport{}, err
	}

	report := RebuildReport{Subjects: len(subjects), Failed: failed, Duration: time.Since(start)}
	if err := m.db.WithContext(ctx).Model(&models.DegreeEdge{}).Count(&report.Edges).Error; err != nil {
		return report, apperr.Unavailable("count degree edges", err)
	}
	m.logger.Info("degree edges rebuilt",
		"subjects", report.Subjects, "failed", report.Failed, "edges", report.Edges, "duration", report.Duration)
	return report, nil
}

func (m *Materializer) allSubjects(ctx context.Context) ([]string, error) {
	db := m.db.WithContext(ctx)
	set := make(map[string]struct{})

	var pairs []models.ConnectionRequest
	if err := db.Select("requester_id, addressee_id").Where("status = ?", models.StatusAccepted).Find(&pairs).Error; err != nil {
		return nil, apperr.Unavailable("load accepted requests", err)
	}
	for _, p := range pairs {
		set[p.RequesterID] = struct{}{}
		set[p.AddresseeID] = struct{}{}
	}

	var roots []string
	if err := db.Model(&models.DegreeEdge{}).Distinct().Pluck("self_id", &roots).Error; err != nil {
		return nil, apperr.Unavailable("load degree subjects", err)
	}
	var queued []string
	if err := db.Model(&models.DegreeRepair{}).Pluck("subject_id", &queued).Error; err != nil {
		return nil, apperr.Unavailable("load repair queue", err)
	}
	for _, id := range slices.Concat(roots, queued, m.fallbackSubjects()) {
		set[id] = struct{}{}
	}

	subjects := make([]string, 0, len(set))
	for id := range set {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)
	return subjects, nil
}

// directContacts returns the sorted ids that share an accepted request with user.
func directContacts(db *gorm.DB, user string) ([]string, error) {
	var rows []models.ConnectionRequest
	err := db.Select("requester_id, addressee_id").
		Where("status = ? AND (requester_id = ? OR addressee_id = ?)", models.StatusAccepted, user, user).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Unavailable("load direct contacts", err)
	}

	ids := make([]string, 0, len(rows))
	for i := range rows {
		if other := rows[i].Other(user); other != user {
			ids = append(ids, other)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func degreeOneEdges(user string, direct []string) []models.DegreeEdge {
	edges := make([]models.DegreeEdge, 0, len(direct))
	for _, id := range direct {
		edges = append(edges, models.DegreeEdge{SelfID: user, RelatedID: id, Degree: 1})
	}
	return edges
}

// degreeTwoEdges emits (user, n, 2, m) for every accepted m–n where m is a
// direct contact of user and n is neither user nor a direct contact.
func degreeTwoEdges(db *gorm.DB, user string, direct []string) ([]models.DegreeEdge, error) {
	if len(direct) == 0 {
		return nil, nil
	}
	isDirect := make(map[string]bool, len(direct))
	for _, id := range direct {
		isDirect[id] = true
	}

	type path struct{ related, mutual string }
	seen := make(map[path]struct{})
	for chunk := range slices.Chunk(direct, lookupChunk) {
		var rows []models.ConnectionRequest
		err := db.Select("requester_id, addressee_id").
			Where("status = ? AND (requester_id IN ? OR addressee_id IN ?)", models.StatusAccepted, chunk, chunk).
			Find(&rows).Error
		if err != nil {
			return nil, apperr.Unavailable("load second degree", err)
		}
		for _, r := range rows {
			for _, mutual := range []string{r.RequesterID, r.AddresseeID} {
				if !isDirect[mutual] {
					continue
				}
				related := r.Other(mutual)
				if related == user || isDirect[related] {
					continue
				}
				seen[path{related, mutual}] = struct{}{}
			}
		}
	}

	edges := make([]models.DegreeEdge, 0, len(seen))
	for p := range seen {
		edges = append(edges, models.DegreeEdge{SelfID: user, RelatedID: p.related, Degree: 2, MutualID: p.mutual})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].RelatedID != edges[j].RelatedID {
			return edges[i].RelatedID < edges[j].RelatedID
		}
		return edges[i].MutualID < edges[j].MutualID
	})
	return edges, nil
}
