package servicebinding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/workerbench/internal/rterr"
	"github.com/aristath/workerbench/pkg/logger"
)

type stubTarget struct {
	fetchCalls int
	callCalls  int
	getCalls   int
}

func (t *stubTarget) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	t.fetchCalls++
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	return rec.Result(), nil
}

func (t *stubTarget) Call(ctx context.Context, method string, args ...any) (any, error) {
	t.callCalls++
	return method, nil
}

func (t *stubTarget) Get(ctx context.Context, prop string) (any, error) {
	t.getCalls++
	return prop, nil
}

func TestBinding_FetchAndCallDispatchToTarget(t *testing.T) {
	reg := NewRegistry()
	target := &stubTarget{}
	reg.Register("mailer", target)

	b := New("MAILER", "mailer", reg, NewSubrequestCounter(DefaultMaxSubrequests), logger.NewNop())

	resp, err := b.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, err := b.Call(context.Background(), "send", "hello")
	require.NoError(t, err)
	require.Equal(t, "send", v)

	v, err = b.Get(context.Background(), "status")
	require.NoError(t, err)
	require.Equal(t, "status", v)

	require.Equal(t, 1, target.fetchCalls)
	require.Equal(t, 1, target.callCalls)
	require.Equal(t, 1, target.getCalls)
}

func TestBinding_UnregisteredTargetIsNotFound(t *testing.T) {
	reg := NewRegistry()
	b := New("MAILER", "mailer", reg, NewSubrequestCounter(DefaultMaxSubrequests), logger.NewNop())

	_, err := b.Call(context.Background(), "send")
	require.True(t, rterr.OfKind(err, rterr.NotFound))
}

func TestBinding_ConnectAlwaysFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mailer", &stubTarget{})
	b := New("MAILER", "mailer", reg, NewSubrequestCounter(DefaultMaxSubrequests), logger.NewNop())

	_, err := b.Connect(context.Background(), "tcp://example.com:25")
	require.True(t, rterr.OfKind(err, rterr.NotSupported))
}

func TestSubrequestCounter_EnforcesLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mailer", &stubTarget{})
	counter := NewSubrequestCounter(2)
	b := New("MAILER", "mailer", reg, counter, logger.NewNop())

	_, err := b.Call(context.Background(), "one")
	require.NoError(t, err)
	_, err = b.Call(context.Background(), "two")
	require.NoError(t, err)

	_, err = b.Call(context.Background(), "three")
	require.True(t, rterr.OfKind(err, rterr.LimitExceeded))
	require.Equal(t, 2, counter.Count())
}
