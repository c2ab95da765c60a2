package degree

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"chiller/backend/internal/connection"
	"chiller/backend/internal/identity"
	"chiller/backend/internal/models"
	"chiller/backend/internal/phone"
	"chiller/backend/internal/testutil"
)

type graph struct {
	t     *testing.T
	db    *gorm.DB
	m     *Materializer
	store *connection.Store
	users map[string]models.User
	names map[string]string
}

func newGraph(t *testing.T, names ...string) *graph {
	t.Helper()
	db := testutil.NewDB(t)
	m := New(db, identity.NewDirectory(db, phone.New(nil, 10), nil), nil)
	g := &graph{
		t:     t,
		db:    db,
		m:     m,
		store: connection.NewStore(db, nil, nil, m),
		users: make(map[string]models.User),
		names: make(map[string]string),
	}
	for i, name := range names {
		u := testutil.CreateUser(t, db, name, i+1)
		g.users[name] = u
		g.names[u.ID] = name
	}
	return g
}

func (g *graph) id(name string) string { return g.users[name].ID }

func (g *graph) connect(from, to string) {
	g.t.Helper()
	ctx := context.Background()
	_, err := g.store.RequestConnection(ctx, g.id(from), g.id(to))
	require.NoError(g.t, err)
	require.NoError(g.t, g.store.Respond(ctx, g.id(to), g.id(from), models.StatusAccepted))
}

func (g *graph) degreeOne(name string) []string {
	g.t.Helper()
	contacts, err := g.m.DegreeOne(context.Background(), g.id(name))
	require.NoError(g.t, err)
	out := []string{}
	for _, c := range contacts {
		out = append(out, c.Name)
	}
	return out
}

func (g *graph) degreeTwo(name string) []string {
	g.t.Helper()
	contacts, err := g.m.DegreeTwo(context.Background(), g.id(name))
	require.NoError(g.t, err)
	out := []string{}
	for _, c := range contacts {
		out = append(out, c.Name+" via "+c.MutualName)
	}
	return out
}

// render prints every stored edge using names, one per line, sorted.
func (g *graph) render() string {
	g.t.Helper()
	var edges []models.DegreeEdge
	require.NoError(g.t, g.db.Find(&edges).Error)

	lines := make([]string, 0, len(edges))
	for _, e := range edges {
		line := fmt.Sprintf("%s %d %s", g.names[e.SelfID], e.Degree, g.names[e.RelatedID])
		if e.MutualID != "" {
			line += " via " + g.names[e.MutualID]
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func TestScenario_FirstAndSecondDegree(t *testing.T) {
	g := newGraph(t, "U1", "U2", "U3")
	ctx := context.Background()

	_, err := g.store.RequestConnection(ctx, g.id("U1"), g.id("U2"))
	require.NoError(t, err)
	assert.Empty(t, g.degreeOne("U1"), "pending requests do not create edges")

	require.NoError(t, g.store.Respond(ctx, g.id("U2"), g.id("U1"), models.StatusAccepted))
	assert.Equal(t, []string{"U2"}, g.degreeOne("U1"))
	assert.Equal(t, []string{"U1"}, g.degreeOne("U2"))

	g.connect("U2", "U3")

	assert.Equal(t, []string{"U3 via U2"}, g.degreeTwo("U1"))
	assert.NotContains(t, g.degreeOne("U1"), "U3")
	assert.Equal(t, []string{"U1 via U2"}, g.degreeTwo("U3"))
	assert.Equal(t, []string{"U1", "U3"}, g.degreeOne("U2"))
	assert.Empty(t, g.degreeTwo("U2"))
}

func TestDegreeTwo_OneEdgePerMutual(t *testing.T) {
	g := newGraph(t, "Me", "A", "B", "X")
	g.connect("Me", "A")
	g.connect("Me", "B")
	g.connect("A", "X")
	g.connect("X", "B")

	assert.Equal(t, []string{"X via A", "X via B"}, g.degreeTwo("Me"))
}

func TestDegreeTwo_ExcludesDirectContacts(t *testing.T) {
	g := newGraph(t, "Me", "A", "B")
	g.connect("Me", "A")
	g.connect("Me", "B")
	g.connect("A", "B")

	assert.Equal(t, []string{"A", "B"}, g.degreeOne("Me"))
	assert.Empty(t, g.degreeTwo("Me"))
}

func TestRejectedRequestsContributeNothing(t *testing.T) {
	g := newGraph(t, "A", "B", "C")
	ctx := context.Background()
	g.connect("A", "B")

	_, err := g.store.RequestConnection(ctx, g.id("B"), g.id("C"))
	require.NoError(t, err)
	require.NoError(t, g.store.Respond(ctx, g.id("C"), g.id("B"), models.StatusRejected))

	require.NoError(t, g.m.Recompute(ctx, g.id("A")))
	assert.Empty(t, g.degreeTwo("A"))
	assert.Empty(t, g.degreeOne("C"))
}

func TestRecompute_Idempotent(t *testing.T) {
	g := newGraph(t, "A", "B", "C", "D")
	g.connect("A", "B")
	g.connect("B", "C")
	g.connect("C", "D")
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C", "D"} {
		one1, err := g.m.RecomputeDegreeOne(ctx, g.id(name))
		require.NoError(t, err)
		one2, err := g.m.RecomputeDegreeOne(ctx, g.id(name))
		require.NoError(t, err)
		assert.Equal(t, one1, one2)

		two1, err := g.m.RecomputeDegreeTwo(ctx, g.id(name))
		require.NoError(t, err)
		two2, err := g.m.RecomputeDegreeTwo(ctx, g.id(name))
		require.NoError(t, err)
		assert.Equal(t, two1, two2)
	}

	before := g.render()
	for _, name := range []string{"A", "B", "C", "D"} {
		require.NoError(t, g.m.Recompute(ctx, g.id(name)))
		require.NoError(t, g.m.Recompute(ctx, g.id(name)))
	}
	assert.Equal(t, before, g.render())
}

func TestInvariants_RandomGraph(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}
	g := newGraph(t, names...)
	rng := rand.New(rand.NewSource(7))

	accepted := map[[2]string]bool{}
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			if rng.Intn(3) == 0 {
				g.connect(names[i], names[j])
				accepted[[2]string{names[i], names[j]}] = true
			}
		}
	}

	var edges []models.DegreeEdge
	require.NoError(t, g.db.Find(&edges).Error)

	direct := map[string]map[string]bool{}
	for _, e := range edges {
		assert.NotEqual(t, e.SelfID, e.RelatedID, "self loop")
		if e.Degree == 1 {
			if direct[e.SelfID] == nil {
				direct[e.SelfID] = map[string]bool{}
			}
			direct[e.SelfID][e.RelatedID] = true
		}
	}

	// Symmetry: every accepted pair is degree 1 from both ends, and nothing else is.
	for pair := range accepted {
		a, b := g.id(pair[0]), g.id(pair[1])
		assert.True(t, direct[a][b], "%s -> %s", pair[0], pair[1])
		assert.True(t, direct[b][a], "%s -> %s", pair[1], pair[0])
	}
	var degreeOne int
	for _, set := range direct {
		degreeOne += len(set)
	}
	assert.Equal(t, 2*len(accepted), degreeOne)

	for _, e := range edges {
		if e.Degree != 2 {
			continue
		}
		assert.False(t, direct[e.SelfID][e.RelatedID], "degree 2 edge overlaps degree 1")
		assert.True(t, direct[e.SelfID][e.MutualID], "mutual is not a direct contact of self")
		assert.True(t, direct[e.MutualID][e.RelatedID], "related is not a direct contact of mutual")
	}
}

func TestRebuildAll_MatchesIncrementalView(t *testing.T) {
	g := newGraph(t, "Ann", "Ben", "Cat", "Dan", "Eve", "Fay")
	ctx := context.Background()
	g.connect("Ann", "Ben")
	g.connect("Ben", "Cat")
	g.connect("Cat", "Dan")
	g.connect("Ann", "Eve")
	g.connect("Eve", "Cat")

	_, err := g.store.RequestConnection(ctx, g.id("Dan"), g.id("Fay"))
	require.NoError(t, err)
	_, err = g.store.RequestConnection(ctx, g.id("Fay"), g.id("Ann"))
	require.NoError(t, err)
	require.NoError(t, g.store.Respond(ctx, g.id("Ann"), g.id("Fay"), models.StatusRejected))

	incremental := g.render()
	golden := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	golden.Assert(t, "degree_view", []byte(incremental))

	// Wipe the view and corrupt it with a stale edge, then rebuild.
	require.NoError(t, g.db.Where("1 = 1").Delete(&models.DegreeEdge{}).Error)
	require.NoError(t, g.db.Create(&models.DegreeEdge{SelfID: g.id("Fay"), RelatedID: g.id("Ann"), Degree: 1}).Error)

	report, err := g.m.RebuildAll(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Subjects)
	assert.Zero(t, report.Failed)
	assert.EqualValues(t, 22, report.Edges)
	assert.Equal(t, incremental, g.render())
}

func TestRecompute_ConcurrentSameSubject(t *testing.T) {
	g := newGraph(t, "A", "B", "C")
	g.connect("A", "B")
	g.connect("B", "C")
	want := g.render()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.m.Recompute(context.Background(), g.id([]string{"A", "B", "C"}[i%3])))
		}()
	}
	wg.Wait()

	assert.Equal(t, want, g.render())
	assert.Equal(t, 0, g.m.locks.size())
}

func TestRecompute_ReadersSeeWholeEdgeSet(t *testing.T) {
	g := newGraph(t, "A", "B", "C", "D")
	g.connect("A", "B")
	g.connect("A", "C")
	g.connect("C", "D")
	ctx := context.Background()

	want, err := g.m.Edges(ctx, g.id("A"))
	require.NoError(t, err)
	require.Len(t, want, 3)

	stop := make(chan struct{})
	var reads, partial atomic.Int64
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			edges, err := g.m.Edges(ctx, g.id("A"))
			if err != nil {
				readErr <- err
				return
			}
			reads.Add(1)
			if len(edges) != len(want) {
				partial.Add(1)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, g.m.Recompute(ctx, g.id("A")))
	}
	close(stop)
	require.NoError(t, <-readErr)

	assert.Positive(t, reads.Load())
	assert.Zero(t, partial.Load(), "a reader saw an empty or partial edge set")
}

func TestDegreeOne_IncludesPhone(t *testing.T) {
	g := newGraph(t, "A", "B")
	g.connect("A", "B")

	contacts, err := g.m.DegreeOne(context.Background(), g.id("A"))
	require.NoError(t, err)
	assert.Equal(t, []Contact{{UserID: g.id("B"), Name: "B", Phone: testutil.Phone(2)}}, contacts)
}

// failDegreeWrites makes every insert into degree_edges fail while the flag is set.
func failDegreeWrites(t *testing.T, db *gorm.DB) *atomic.Bool {
	t.Helper()
	var fail atomic.Bool
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_degree_edges", func(tx *gorm.DB) {
		if fail.Load() && tx.Statement.Table == "degree_edges" {
			tx.AddError(errors.New("disk I/O error"))
		}
	})
	require.NoError(t, err)
	return &fail
}

func TestOnAccepted_FailureIsQueuedAndRepaired(t *testing.T) {
	g := newGraph(t, "A", "B")
	fail := failDegreeWrites(t, g.db)
	ctx := context.Background()

	fail.Store(true)
	_, err := g.store.RequestConnection(ctx, g.id("A"), g.id("B"))
	require.NoError(t, err)
	require.NoError(t, g.store.Respond(ctx, g.id("B"), g.id("A"), models.StatusAccepted))

	// The transition stands even though the edges could not be written.
	status, err := g.store.GetStatus(ctx, g.id("A"), g.id("B"))
	require.NoError(t, err)
	assert.Equal(t, connection.StatusAccepted, status)
	assert.Empty(t, g.degreeOne("A"))

	repairs, err := g.m.PendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 2)
	assert.Contains(t, repairs[0].LastError, "disk I/O error")

	w := NewWorker(g.m, time.Minute, 0)

	// Still failing: attempts are recorded and the entries stay queued.
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	repairs, err = g.m.PendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 2)
	assert.Equal(t, 1, repairs[0].Attempts)

	// Inside the backoff window nothing is retried.
	fail.Store(false)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	repairs, err = g.m.PendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, repairs)
	assert.Equal(t, []string{"B"}, g.degreeOne("A"))
	assert.Equal(t, []string{"A"}, g.degreeOne("B"))
}

func TestRebuildAll_ClearsRepairQueue(t *testing.T) {
	g := newGraph(t, "A", "B")
	fail := failDegreeWrites(t, g.db)
	ctx := context.Background()

	fail.Store(true)
	g.connect("A", "B")
	fail.Store(false)

	report, err := g.m.RebuildAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Subjects)

	repairs, err := g.m.PendingRepairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, repairs)
	assert.Equal(t, []string{"B"}, g.degreeOne("A"))
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWorker(New(nil, nil, nil), time.Second, 1)

	assert.Equal(t, time.Duration(0), w.backoff(0))
	assert.Equal(t, time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 8*time.Second, w.backoff(4))
	assert.Equal(t, maxBackoff, w.backoff(40))

	slow := NewWorker(New(nil, nil, nil), time.Hour, 1)
	assert.Equal(t, maxBackoff, slow.backoff(1))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	g := newGraph(t, "A")
	w := NewWorker(g.m, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
