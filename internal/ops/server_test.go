package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodex/backoffice/internal/outbox"
)

type fakeFailedStore struct {
	records   []*outbox.Record
	replayed  []uuid.UUID
	replayErr error
	listErr   error
	gotLimit  int
}

func (s *fakeFailedStore) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	s.gotLimit = limit
	if s.listErr != nil {
		return nil, s.listErr
	}
	if limit < len(s.records) {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *fakeFailedStore) ReplayFailed(ctx context.Context, id uuid.UUID) error {
	if s.replayErr != nil {
		return s.replayErr
	}
	s.replayed = append(s.replayed, id)
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeRunStater struct{ running bool }

func (r fakeRunStater) Running() bool { return r.running }

type fakeCounter struct{ counts map[outbox.Status]int }

func (c fakeCounter) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	return c.counts, nil
}

func newTestServer(t *testing.T, store *fakeFailedStore, health *HealthChecker) *httptest.Server {
	t.Helper()
	if health == nil {
		health = NewHealthChecker(fakePinger{}, fakeCounter{}, fakeRunStater{running: true}, nil)
	}
	srv := NewServer(":0", store, health, nil, prometheus.NewRegistry())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func failedRecordFixture(lastError string) *outbox.Record {
	now := time.Now().UTC()
	return &outbox.Record{
		ID:            uuid.New(),
		AggregateID:   uuid.New(),
		AggregateType: "partner",
		EventType:     "partner.approved",
		TopicName:     "partner-events",
		Status:        outbox.StatusFailed,
		RetryCount:    5,
		MaxRetries:    5,
		LastError:     &lastError,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestListFailed(t *testing.T) {
	store := &fakeFailedStore{records: []*outbox.Record{
		failedRecordFixture("broker unavailable"),
		failedRecordFixture("timeout"),
	}}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultFailedLimit, store.gotLimit)

	var out []failedRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, store.records[0].ID, out[0].ID)
	assert.Equal(t, "broker unavailable", out[0].LastError)
	assert.Equal(t, 5, out[0].RetryCount)
}

func TestListFailedHonorsLimit(t *testing.T) {
	store := &fakeFailedStore{records: []*outbox.Record{
		failedRecordFixture("a"),
		failedRecordFixture("b"),
	}}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/failed?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, store.gotLimit)
}

func TestListFailedRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, &fakeFailedStore{}, nil)

	for _, limit := range []string{"0", "-3", "abc"} {
		resp, err := http.Get(ts.URL + "/failed?limit=" + limit)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", limit)
	}
}

func TestReplayFailed(t *testing.T) {
	store := &fakeFailedStore{}
	ts := newTestServer(t, store, nil)

	id := uuid.New()
	resp, err := http.Post(ts.URL+"/failed/"+id.String()+"/replay", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, store.replayed, 1)
	assert.Equal(t, id, store.replayed[0])
}

func TestReplayUnknownRecord(t *testing.T) {
	store := &fakeFailedStore{replayErr: outbox.ErrNotFound}
	ts := newTestServer(t, store, nil)

	resp, err := http.Post(ts.URL+"/failed/"+uuid.NewString()+"/replay", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplayInvalidID(t *testing.T) {
	ts := newTestServer(t, &fakeFailedStore{}, nil)

	resp, err := http.Post(ts.URL+"/failed/not-a-uuid/replay", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzHealthy(t *testing.T) {
	health := NewHealthChecker(
		fakePinger{},
		fakeCounter{counts: map[outbox.Status]int{outbox.StatusPending: 3}},
		fakeRunStater{running: true},
		func() bool { return true },
	)
	ts := newTestServer(t, &fakeFailedStore{}, health)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Healthy)
	assert.True(t, status.DatabaseConnected)
	assert.True(t, status.BrokerConnected)
	assert.True(t, status.DispatcherRunning)
	assert.Equal(t, 3, status.Records[outbox.StatusPending])
}

func TestHealthzUnhealthy(t *testing.T) {
	health := NewHealthChecker(
		fakePinger{err: fmt.Errorf("connection refused")},
		fakeCounter{},
		fakeRunStater{running: false},
		func() bool { return false },
	)
	ts := newTestServer(t, &fakeFailedStore{}, health)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.Healthy)
	assert.Len(t, status.Errors, 3)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeFailedStore{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
