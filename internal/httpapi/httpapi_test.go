package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/qvcloud/portfolio/broker"
	"github.com/qvcloud/portfolio/internal/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	calls   []any
	publish func(payload any) error
}

func (m *mockPublisher) Publish(ctx context.Context, payload any) error {
	m.calls = append(m.calls, payload)
	if m.publish != nil {
		return m.publish(payload)
	}
	return nil
}

type mockStore struct {
	list       func() ([]project.Project, error)
	get        func(id int) (project.Project, error)
	create     func(in project.Input) (project.Project, error)
	createMany func(in []project.Input) ([]project.Project, error)
	update     func(id int, in project.Input) error
	delete     func(id int) error
}

func (m *mockStore) List(ctx context.Context) ([]project.Project, error) { return m.list() }
func (m *mockStore) Get(ctx context.Context, id int) (project.Project, error) {
	return m.get(id)
}
func (m *mockStore) Create(ctx context.Context, in project.Input) (project.Project, error) {
	return m.create(in)
}
func (m *mockStore) CreateMany(ctx context.Context, in []project.Input) ([]project.Project, error) {
	return m.createMany(in)
}
func (m *mockStore) Update(ctx context.Context, id int, in project.Input) error {
	return m.update(id, in)
}
func (m *mockStore) Delete(ctx context.Context, id int) error { return m.delete(id) }

var uniqueErr = &pgconn.PgError{Code: "23505"}

func newAPI(t *testing.T, pub Publisher, store project.Store) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, Deps{
		Producer:       pub,
		Projects:       store,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const validProject = `{"title":"Relay","description":"Queue relay","projectUrl":"https://example.com/relay","tags":["go"]}`

func TestReadMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
		err  error
	}{
		{body: `"hello"`, want: "hello"},
		{body: `"  spaced  "`, want: "  spaced  "},
		{body: `hello`, want: "hello"},
		{body: `{"a":1}`, want: `{"a":1}`},
		{body: ``, err: ErrEmptyMessage},
		{body: `""`, err: ErrEmptyMessage},
		{body: `null`, err: ErrEmptyMessage},
	}
	for _, tt := range tests {
		got, err := ReadMessage([]byte(tt.body))
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, "body %q", tt.body)
			continue
		}
		require.NoError(t, err, "body %q", tt.body)
		assert.Equal(t, tt.want, got)
	}
}

func TestNotification(t *testing.T) {
	t.Run("json string", func(t *testing.T) {
		pub := &mockPublisher{}
		rr := do(newAPI(t, pub, nil), http.MethodPost, "/api/notification", `"hello"`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"Notification sent to queue successfully."}`, rr.Body.String())
		assert.Equal(t, []any{"hello"}, pub.calls)
	})

	t.Run("raw text", func(t *testing.T) {
		pub := &mockPublisher{}
		rr := do(newAPI(t, pub, nil), http.MethodPost, "/api/notification", `deploy finished`)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []any{"deploy finished"}, pub.calls)
	})

	for _, body := range []string{``, `""`, `null`} {
		t.Run("empty "+body, func(t *testing.T) {
			pub := &mockPublisher{}
			rr := do(newAPI(t, pub, nil), http.MethodPost, "/api/notification", body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.JSONEq(t, `{"error":"Message cannot be empty."}`, rr.Body.String())
			assert.Empty(t, pub.calls)
		})
	}

	t.Run("publish failure", func(t *testing.T) {
		pub := &mockPublisher{publish: func(any) error {
			return &broker.PublishError{Broker: "rabbitmq", Topic: "notifications", Err: broker.ErrNotConnected}
		}}
		rr := do(newAPI(t, pub, nil), http.MethodPost, "/api/notification", `"hello"`)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"An internal error occurred while sending the notification."}`, rr.Body.String())
	})

	t.Run("too large", func(t *testing.T) {
		pub := &mockPublisher{}
		rr := do(newAPI(t, pub, nil), http.MethodPost, "/api/notification", strings.Repeat("x", maxNotificationBytes+1))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Empty(t, pub.calls)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := do(newAPI(t, &mockPublisher{}, nil), http.MethodGet, "/api/notification", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestStaticRoutes(t *testing.T) {
	h := newAPI(t, &mockPublisher{}, nil)

	rr := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = do(h, http.MethodGet, "/portfolio", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"Portfolio API is running successfully."}`, rr.Body.String())

	rr = do(h, http.MethodGet, "/api/projects", "")
	assert.Equal(t, http.StatusNotFound, rr.Code, "project routes need a store")
}

func TestHubRoute(t *testing.T) {
	called := false
	h := New(context.Background(), Deps{
		Producer: &mockPublisher{},
		HubPath:  "/notificationHub",
		Hub:      func(w http.ResponseWriter, r *http.Request) { called = true },
	})

	do(h, http.MethodGet, "/notificationHub", "")
	assert.True(t, called)
}

func TestProjects_List(t *testing.T) {
	store := &mockStore{list: func() ([]project.Project, error) {
		return []project.Project{{ID: 1, Title: "A", Tags: []string{}}, {ID: 2, Title: "B", Tags: []string{}}}, nil
	}}
	rr := do(newAPI(t, &mockPublisher{}, store), http.MethodGet, "/api/projects", "")

	require.Equal(t, http.StatusOK, rr.Code)
	var got []project.Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Title)

	store.list = func() ([]project.Project, error) { return nil, errors.New("db down") }
	rr = do(newAPI(t, &mockPublisher{}, store), http.MethodGet, "/api/projects", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestProjects_Get(t *testing.T) {
	store := &mockStore{get: func(id int) (project.Project, error) {
		if id == 1 {
			return project.Project{ID: 1, Title: "A", Tags: []string{}}, nil
		}
		return project.Project{}, project.ErrNotFound
	}}
	h := newAPI(t, &mockPublisher{}, store)

	rr := do(h, http.MethodGet, "/api/projects/1", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"title":"A"`)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/projects/2", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/projects/abc", "").Code)
}

func TestProjects_Create(t *testing.T) {
	var saved project.Input
	store := &mockStore{create: func(in project.Input) (project.Project, error) {
		saved = in
		p := in.Project()
		p.ID = 7
		return p, nil
	}}
	h := newAPI(t, &mockPublisher{}, store)

	rr := do(h, http.MethodPost, "/api/projects", validProject)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/api/projects/7", rr.Header().Get("Location"))
	assert.Equal(t, "Relay", saved.Title)

	rr = do(h, http.MethodPost, "/api/projects", `{"title":"","description":"d","projectUrl":"https://x.dev"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "A title is required.")

	rr = do(h, http.MethodPost, "/api/projects", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	store.create = func(project.Input) (project.Project, error) { return project.Project{}, uniqueErr }
	rr = do(h, http.MethodPost, "/api/projects", validProject)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.JSONEq(t, `{"message":"Project with title 'Relay' already exists."}`, rr.Body.String())
}

func TestProjects_CreateMany(t *testing.T) {
	store := &mockStore{createMany: func(in []project.Input) ([]project.Project, error) {
		out := make([]project.Project, len(in))
		for i, p := range in {
			out[i] = p.Project()
			out[i].ID = i + 1
		}
		return out, nil
	}}
	h := newAPI(t, &mockPublisher{}, store)

	rr := do(h, http.MethodPost, "/api/projects/bulk", "["+validProject+"]")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":1`)

	rr = do(h, http.MethodPost, "/api/projects/bulk", `[]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"Project list cannot be empty."}`, rr.Body.String())

	rr = do(h, http.MethodPost, "/api/projects/bulk", `[{"title":"x"}]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	store.createMany = func([]project.Input) ([]project.Project, error) { return nil, uniqueErr }
	rr = do(h, http.MethodPost, "/api/projects/bulk", "["+validProject+"]")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "One or more projects")
}

func TestProjects_Update(t *testing.T) {
	store := &mockStore{update: func(id int, in project.Input) error {
		switch id {
		case 1:
			return nil
		case 2:
			return uniqueErr
		default:
			return project.ErrNotFound
		}
	}}
	h := newAPI(t, &mockPublisher{}, store)

	rr := do(h, http.MethodPut, "/api/projects/1", validProject)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())

	rr = do(h, http.MethodPut, "/api/projects/2", validProject)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "'Relay'")

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPut, "/api/projects/3", validProject).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/projects/1", `{"title":"x"}`).Code)
}

func TestProjects_Delete(t *testing.T) {
	store := &mockStore{delete: func(id int) error {
		if id == 1 {
			return nil
		}
		return project.ErrNotFound
	}}
	h := newAPI(t, &mockPublisher{}, store)

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/api/projects/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/api/projects/2", "").Code)
}

func TestCORS(t *testing.T) {
	h := newAPI(t, &mockPublisher{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/notification", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, 1, 2)(okHandler)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"), "limits are per IP")
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := RateLimit(context.Background(), 0, 0)(okHandler)
	for i := 0; i < 50; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:5555"
	assert.Equal(t, "192.168.1.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "no-port"
	assert.Equal(t, "no-port", clientIP(req))
}
