package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/secevents"
)

const testToken = "tok-123"

type fakeService struct {
	pages       []string
	searches    []searchQuery
	failFirst   int32
	searchCalls int32
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		switch {
		case !ok || user != "alice" || pass != "pw":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"name":"SYSTEM","description":"Invalid credentials"}]`))
		case r.Header.Get("totp-auth") == "":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"name":"TOTP_AUTH_CONFLICT_ERROR","description":"missing token"}]`))
		default:
			_, _ = fmt.Fprintf(w, `{"data":{"v3_user_token":%q}}`, testToken)
		}
	})
	mux.HandleFunc(searchPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "v3_user_token "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if atomic.AddInt32(&f.searchCalls, 1) <= atomic.LoadInt32(&f.failFirst) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		var q searchQuery
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&q)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.searches = append(f.searches, q)

		idx := 0
		if q.PgToken != "" {
			_, _ = fmt.Sscanf(q.PgToken, "page-%d", &idx)
		}
		if idx >= len(f.pages) {
			_, _ = w.Write([]byte(`{"fileEvents":[],"totalCount":0,"nextPgToken":""}`))
			return
		}
		_, _ = w.Write([]byte(f.pages[idx]))
	})
	return mux
}

func eventsPage(next string, timestamps ...string) string {
	events := ""
	for i, ts := range timestamps {
		if i > 0 {
			events += ","
		}
		events += fmt.Sprintf(`{"eventId":"e-%s","insertionTimestamp":%q}`, ts, ts)
	}
	return fmt.Sprintf(`{"fileEvents":[%s],"totalCount":%d,"nextPgToken":%q}`, events, len(timestamps), next)
}

func newTestClient() *Client {
	return NewClient(Config{RetryDelay: time.Millisecond, Timeout: 5 * time.Second})
}

func TestClientExtractPages(t *testing.T) {
	svc := &fakeService{pages: []string{
		eventsPage("page-1", "2024-05-01T00:00:00.000Z", "2024-05-01T01:00:00.000Z"),
		eventsPage("", "2024-05-01T02:00:00.000Z"),
	}}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient()

	sess, err := client.NewSession(ctx, secevents.SessionConfig{
		Server: server.URL, Username: "alice", Password: "pw", TOTP: "123456", Debug: true,
	})
	require.NoError(t, err)
	defer sess.Close()

	begin := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var pages []secevents.Page
	err = client.Extract(ctx, sess, secevents.Query{
		Begin:         begin,
		ExposureTypes: []secevents.ExposureType{secevents.ExposureRemovableMedia, secevents.ExposureIsPublic},
		PageSize:      2,
	}, func(_ context.Context, p secevents.Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pages, 2)
	assert.Equal(t, 0, pages[0].Seq)
	assert.Equal(t, 1, pages[1].Seq)
	assert.Len(t, pages[0].Events, 2)
	assert.True(t, time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC).Equal(pages[0].MaxInsertionTimestamp))
	assert.True(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC).Equal(pages[1].MaxInsertionTimestamp))

	require.Len(t, svc.searches, 2)
	first := svc.searches[0]
	assert.Equal(t, "", first.PgToken)
	assert.Equal(t, 2, first.PgSize)
	assert.Equal(t, "asc", first.SrtDir)
	require.Len(t, first.Groups, 2)
	assert.Equal(t, "ON_OR_AFTER", first.Groups[0].Filters[0].Operator)
	assert.Equal(t, "2024-05-01T00:00:00Z", first.Groups[0].Filters[0].Value)
	assert.Len(t, first.Groups[0].Filters, 1, "open ended window has no upper bound")
	assert.Equal(t, "OR", first.Groups[1].FilterClause)
	assert.Len(t, first.Groups[1].Filters, 2)
	assert.Equal(t, "page-1", svc.searches[1].PgToken)
}

func TestClientLoginErrors(t *testing.T) {
	svc := &fakeService{}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient()

	_, err := client.NewSession(ctx, secevents.SessionConfig{Server: server.URL, Username: "alice", Password: "wrong"})
	assert.ErrorIs(t, err, secevents.ErrCredential)
	assert.NotErrorIs(t, err, secevents.ErrMFARequired)
	assert.NotContains(t, err.Error(), "wrong")

	_, err = client.NewSession(ctx, secevents.SessionConfig{Server: server.URL, Username: "alice", Password: "pw"})
	assert.ErrorIs(t, err, secevents.ErrMFARequired)

	_, err = client.NewSession(ctx, secevents.SessionConfig{Server: "::not a url", Username: "alice", Password: "pw"})
	assert.ErrorIs(t, err, secevents.ErrValidation)
}

func TestClientRetriesServerErrors(t *testing.T) {
	svc := &fakeService{
		pages:     []string{eventsPage("", "2024-05-01T00:00:00Z")},
		failFirst: 2,
	}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient()
	sess, err := client.NewSession(ctx, secevents.SessionConfig{Server: server.URL, Username: "alice", Password: "pw", TOTP: "1"})
	require.NoError(t, err)

	count := 0
	err = client.Extract(ctx, sess, secevents.Query{Begin: time.Now().Add(-time.Hour)}, func(context.Context, secevents.Page) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int32(3), atomic.LoadInt32(&svc.searchCalls))
}

func TestClientHandlerErrorStopsExtraction(t *testing.T) {
	svc := &fakeService{pages: []string{
		eventsPage("page-1", "2024-05-01T00:00:00Z"),
		eventsPage("", "2024-05-01T01:00:00Z"),
	}}
	server := httptest.NewServer(svc.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := newTestClient()
	sess, err := client.NewSession(ctx, secevents.SessionConfig{Server: server.URL, Username: "alice", Password: "pw", TOTP: "1"})
	require.NoError(t, err)

	stop := fmt.Errorf("sink full")
	err = client.Extract(ctx, sess, secevents.Query{Begin: time.Now().Add(-time.Hour)}, func(context.Context, secevents.Page) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Len(t, svc.searches, 1)

	require.NoError(t, sess.Close())
	err = client.Extract(ctx, sess, secevents.Query{}, func(context.Context, secevents.Page) error { return nil })
	assert.ErrorContains(t, err, "session is closed")
}

func TestClientIgnoreSSL(t *testing.T) {
	svc := &fakeService{}
	server := httptest.NewTLSServer(svc.handler(t))
	defer server.Close()

	ctx := context.Background()
	client := NewClient(Config{MaxRetries: -1})

	_, err := client.NewSession(ctx, secevents.SessionConfig{Server: server.URL, Username: "alice", Password: "pw", TOTP: "1"})
	assert.Error(t, err, "self-signed certificate is rejected by default")

	sess, err := client.NewSession(ctx, secevents.SessionConfig{
		Server: server.URL, Username: "alice", Password: "pw", TOTP: "1", IgnoreSSL: true,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Close())
}

func TestBuildQueryWithEnd(t *testing.T) {
	begin := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	q := buildQuery(secevents.Query{Begin: begin, End: begin.Add(time.Hour), PageSize: 10}, "")
	require.Len(t, q.Groups, 1)
	require.Len(t, q.Groups[0].Filters, 2)
	assert.Equal(t, "ON_OR_BEFORE", q.Groups[0].Filters[1].Operator)
	assert.Equal(t, "2024-05-01T01:00:00Z", q.Groups[0].Filters[1].Value)
}

func TestParsePageProblems(t *testing.T) {
	_, _, err := parsePage(0, []byte(`{"fileEvents":[],"problems":[{"type":"SEARCH_FAILED","description":"bad"}]}`))
	assert.ErrorContains(t, err, "SEARCH_FAILED")

	_, _, err = parsePage(0, []byte(`not json`))
	assert.Error(t, err)
}
