package connection

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/hub"
	"chiller/backend/internal/models"
	"chiller/backend/internal/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]string
}

func (n *recordingNotifier) Publish(userID string, event hub.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]string)
	}
	n.events[userID] = append(n.events[userID], event.Type)
}

type recordingDegrees struct {
	mu    sync.Mutex
	pairs [][2]string
}

func (d *recordingDegrees) OnAccepted(_ context.Context, a, b string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pairs = append(d.pairs, [2]string{a, b})
	return nil
}

func newTestStore(t *testing.T) (*Store, *recordingNotifier, *recordingDegrees, []models.User) {
	t.Helper()
	db := testutil.NewDB(t)
	users := make([]models.User, 6)
	for i := range users {
		users[i] = testutil.CreateUser(t, db, string(rune('A'+i)), i+1)
	}
	notifier := &recordingNotifier{}
	degrees := &recordingDegrees{}
	return NewStore(db, nil, notifier, degrees), notifier, degrees, users
}

func collect(t *testing.T, seq func(func(PendingRequest, error) bool)) []PendingRequest {
	t.Helper()
	var out []PendingRequest
	for p, err := range seq {
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestRequestConnection_CreatesPending(t *testing.T) {
	s, notifier, _, u := newTestStore(t)
	ctx := context.Background()

	id, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
	assert.NotZero(t, id)

	status, err := s.GetStatus(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingOutgoing, status)

	status, err = s.GetStatus(ctx, u[1].ID, u[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingIncoming, status)

	assert.Equal(t, []string{hub.EventConnectionRequested}, notifier.events[u[1].ID])
}

func TestRequestConnection_Validation(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[0].ID)
	assert.ErrorIs(t, err, apperr.ErrSelfConnection)

	_, err = s.RequestConnection(ctx, "not-a-uuid", u[0].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidID)

	_, err = s.RequestConnection(ctx, u[0].ID, uuid.NewString())
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

func TestRequestConnection_DuplicateEitherDirection(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)

	_, err = s.RequestConnection(ctx, u[0].ID, u[1].ID)
	assert.ErrorIs(t, err, apperr.ErrDuplicatePair)

	_, err = s.RequestConnection(ctx, u[1].ID, u[0].ID)
	assert.ErrorIs(t, err, apperr.ErrDuplicatePair)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRequestConnection_NoResubmitAfterRejection(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
	require.NoError(t, s.Respond(ctx, u[1].ID, u[0].ID, models.StatusRejected))

	_, err = s.RequestConnection(ctx, u[0].ID, u[1].ID)
	assert.ErrorIs(t, err, apperr.ErrDuplicatePair)
}

func TestRequestConnection_ConcurrentSamePair(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		from, to := u[3].ID, u[4].ID
		if i%2 == 1 {
			from, to = to, from
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RequestConnection(ctx, from, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, apperr.ErrDuplicatePair):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)

	var rows int64
	low, high := models.PairKey(u[3].ID, u[4].ID)
	require.NoError(t, s.db.Model(&models.ConnectionRequest{}).
		Where("pair_low = ? AND pair_high = ?", low, high).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestGetStatus_None(t *testing.T) {
	s, _, _, u := newTestStore(t)

	status, err := s.GetStatus(context.Background(), u[0].ID, u[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, status)
	assert.Equal(t, "none", status.Collapse())
	assert.Equal(t, "pending", StatusPendingIncoming.Collapse())
}

func TestRespond_Accept(t *testing.T) {
	s, notifier, degrees, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)

	require.NoError(t, s.Respond(ctx, u[1].ID, u[0].ID, models.StatusAccepted))

	for _, pair := range [][2]string{{u[0].ID, u[1].ID}, {u[1].ID, u[0].ID}} {
		status, err := s.GetStatus(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, status)
	}
	assert.Equal(t, [][2]string{{u[0].ID, u[1].ID}}, degrees.pairs)
	assert.Equal(t, []string{hub.EventConnectionAccepted}, notifier.events[u[0].ID])

	var row models.ConnectionRequest
	require.NoError(t, s.db.Take(&row).Error)
	assert.NotNil(t, row.RespondedAt)
}

func TestRespond_RejectSkipsDegrees(t *testing.T) {
	s, notifier, degrees, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
	require.NoError(t, s.Respond(ctx, u[1].ID, u[0].ID, models.StatusRejected))

	status, err := s.GetStatus(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)
	assert.Empty(t, degrees.pairs)
	assert.Equal(t, []string{hub.EventConnectionRejected}, notifier.events[u[0].ID])
}

func TestRespond_Errors(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	err := s.Respond(ctx, u[1].ID, u[0].ID, models.StatusAccepted)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)

	// The requester cannot answer its own request.
	err = s.Respond(ctx, u[0].ID, u[1].ID, models.StatusAccepted)
	assert.ErrorIs(t, err, apperr.ErrNotAuthorized)

	err = s.Respond(ctx, u[1].ID, u[0].ID, models.StatusPending)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	status, err := s.GetStatus(ctx, u[1].ID, u[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingIncoming, status)
}

func TestRespond_TerminalStates(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	for i, first := range []models.RequestStatus{models.StatusAccepted, models.StatusRejected} {
		requester, addressee := u[2*i].ID, u[2*i+1].ID
		_, err := s.RequestConnection(ctx, requester, addressee)
		require.NoError(t, err)
		require.NoError(t, s.Respond(ctx, addressee, requester, first))

		for _, again := range []models.RequestStatus{models.StatusAccepted, models.StatusRejected} {
			err := s.Respond(ctx, addressee, requester, again)
			assert.ErrorIs(t, err, apperr.ErrAlreadyResolved, "%s then %s", first, again)
		}
	}
}

func TestRespond_ConcurrentDecisions(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	_, err := s.RequestConnection(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)

	decisions := []models.RequestStatus{models.StatusAccepted, models.StatusRejected, models.StatusAccepted, models.StatusRejected}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Respond(ctx, u[1].ID, u[0].ID, d)
		}()
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	}
	assert.Equal(t, 1, winners)
}

func TestListPendingIncoming_OldestFirst(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()
	self := u[0].ID

	for _, from := range []models.User{u[3], u[1], u[2]} {
		_, err := s.RequestConnection(ctx, from.ID, self)
		require.NoError(t, err)
	}
	// Outgoing and resolved requests are excluded.
	_, err := s.RequestConnection(ctx, self, u[4].ID)
	require.NoError(t, err)
	_, err = s.RequestConnection(ctx, u[5].ID, self)
	require.NoError(t, err)
	require.NoError(t, s.Respond(ctx, self, u[5].ID, models.StatusRejected))

	got := collect(t, s.ListPendingIncoming(ctx, self))
	require.Len(t, got, 3)
	assert.Equal(t, []string{u[3].ID, u[1].ID, u[2].ID}, []string{got[0].UserID, got[1].UserID, got[2].UserID})
	assert.Equal(t, u[3].Name, got[0].Name)
	assert.Less(t, got[0].RequestID, got[1].RequestID)

	// Restartable: a second pass yields the same sequence.
	assert.Equal(t, got, collect(t, s.ListPendingIncoming(ctx, self)))

	outgoing := collect(t, s.ListPendingOutgoing(ctx, self))
	require.Len(t, outgoing, 1)
	assert.Equal(t, u[4].ID, outgoing[0].UserID)
}

func TestListPendingIncoming_EarlyBreak(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()

	for _, from := range u[1:4] {
		_, err := s.RequestConnection(ctx, from.ID, u[0].ID)
		require.NoError(t, err)
	}

	var seen int
	for _, err := range s.ListPendingIncoming(ctx, u[0].ID) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	// The connection was released; the store is still usable.
	_, err := s.GetStatus(ctx, u[0].ID, u[1].ID)
	require.NoError(t, err)
}

func TestListPendingIncoming_InvalidID(t *testing.T) {
	s, _, _, _ := newTestStore(t)

	for _, err := range s.ListPendingIncoming(context.Background(), "bogus") {
		assert.ErrorIs(t, err, apperr.ErrInvalidID)
	}
}

func TestStatusesFor(t *testing.T) {
	s, _, _, u := newTestStore(t)
	ctx := context.Background()
	self := u[0].ID

	_, err := s.RequestConnection(ctx, self, u[1].ID)
	require.NoError(t, err)
	_, err = s.RequestConnection(ctx, u[2].ID, self)
	require.NoError(t, err)
	_, err = s.RequestConnection(ctx, u[3].ID, self)
	require.NoError(t, err)
	require.NoError(t, s.Respond(ctx, self, u[3].ID, models.StatusAccepted))

	got, err := s.StatusesFor(ctx, self, []string{u[1].ID, u[2].ID, u[3].ID, u[4].ID})
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{
		u[1].ID: StatusPendingOutgoing,
		u[2].ID: StatusPendingIncoming,
		u[3].ID: StatusAccepted,
		u[4].ID: StatusNone,
	}, got)
}
