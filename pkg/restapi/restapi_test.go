package restapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inkwell/collabd/pkg/ask"
	"github.com/inkwell/collabd/pkg/imports"
	"github.com/inkwell/collabd/pkg/jobqueue"
	"github.com/inkwell/collabd/pkg/model"
	"github.com/inkwell/collabd/pkg/objectstore"
	"github.com/inkwell/collabd/pkg/ratelimit"
)

type fakeStore struct {
	pages    map[string]model.Page
	projects map[int64]model.Project
	byExtID  map[string]int64

	isOrgMember bool
	isEditor    bool

	createdTitle string
	createErr    error
}

func (s *fakeStore) IsOrgMember(ctx context.Context, orgID, userID int64) (bool, error) {
	return s.isOrgMember, nil
}

func (s *fakeStore) ProjectEditorRole(ctx context.Context, projectID, userID int64) (model.Role, bool, error) {
	if s.isEditor {
		return model.RoleEditor, true, nil
	}
	return "", false, nil
}

func (s *fakeStore) PageByExternalID(ctx context.Context, extID string) (model.Page, error) {
	p, ok := s.pages[extID]
	if !ok {
		return model.Page{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *fakeStore) Project(ctx context.Context, id int64) (model.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return model.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *fakeStore) ProjectByExternalID(ctx context.Context, extID string) (model.Project, error) {
	id, ok := s.byExtID[extID]
	if !ok {
		return model.Project{}, sql.ErrNoRows
	}
	return s.projects[id], nil
}

func (s *fakeStore) CreatePage(ctx context.Context, externalID string, projectID, creatorID int64, title string, details model.PageDetails, copyFromExtID string) (model.Page, error) {
	if s.createErr != nil {
		return model.Page{}, s.createErr
	}
	s.createdTitle = title
	return model.Page{ExternalID: externalID, ProjectID: projectID, CreatorID: creatorID, Title: title, Details: details}, nil
}

func (s *fakeStore) PageLinksFor(ctx context.Context, pageID int64) ([]model.PageLink, []model.PageLink, error) {
	return nil, nil, nil
}

func (s *fakeStore) CreateFile(ctx context.Context, externalID, accessToken string, projectID, uploaderID int64, contentType string, sizeBytes int64) (model.FileUpload, error) {
	return model.FileUpload{}, nil
}

func (s *fakeStore) FinalizeUpload(ctx context.Context, fileID int64, provider, key, etag string, sizeBytes int64) (model.FileUpload, error) {
	return model.FileUpload{}, nil
}

type fakeAuth struct{ userID int64 }

func (f fakeAuth) Authenticate(r *http.Request) (int64, bool) {
	if f.userID == 0 {
		return 0, false
	}
	return f.userID, true
}

func newTestDeps(store *fakeStore, userID int64) *Deps {
	return &Deps{
		Store:            store,
		Auth:             fakeAuth{userID: userID},
		Ask:              &ask.Orchestrator{},
		Imports:          &imports.Pipeline{},
		Jobs:             jobqueue.NewInProcess(context.Background(), 1, func(ctx context.Context, t jobqueue.Task) error { return nil }),
		RateLimit:        noopRateLimit{},
		Storage:          noopObjectStore{},
		AskRateLimit:     1000,
		AskRateWindow:    time.Hour,
		UploadRateLimit:  1000,
		UploadRateWindow: time.Hour,
	}
}

type noopRateLimit struct{}

func (noopRateLimit) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, nil
}

type noopObjectStore struct{}

func (noopObjectStore) GenerateUploadURL(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (string, map[string]string, error) {
	return "https://example.invalid/" + key, nil, nil
}
func (noopObjectStore) GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	return "https://example.invalid/" + key, nil
}
func (noopObjectStore) HeadObject(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, nil
}
func (noopObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (noopObjectStore) PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return "", nil
}
func (noopObjectStore) CopyObject(ctx context.Context, srcKey, dstKey string) error { return nil }
func (noopObjectStore) DeleteObject(ctx context.Context, key string) error         { return nil }

func TestHandleCreatePageRequiresAuth(t *testing.T) {
	store := &fakeStore{projects: map[int64]model.Project{}, byExtID: map[string]int64{}}
	mux := NewMux(newTestDeps(store, 0))
	req := httptest.NewRequest(http.MethodPost, "/api/pages/", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want an auth-failure status", w.Code)
	}
}

func TestHandleCreatePageDeniesNonEditor(t *testing.T) {
	store := &fakeStore{
		projects:    map[int64]model.Project{1: {ID: 1, ExternalID: "proj1", OrgID: 9}},
		byExtID:     map[string]int64{"proj1": 1},
		isOrgMember: false,
		isEditor:    false,
	}
	mux := NewMux(newTestDeps(store, 42))
	body, _ := json.Marshal(createPageRequest{ProjectExternalID: "proj1", Title: "Notes"})
	req := httptest.NewRequest(http.MethodPost, "/api/pages/", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleCreatePageSucceeds(t *testing.T) {
	store := &fakeStore{
		projects: map[int64]model.Project{1: {ID: 1, ExternalID: "proj1", OrgID: 9}},
		byExtID:  map[string]int64{"proj1": 1},
		isEditor: true,
	}
	mux := NewMux(newTestDeps(store, 42))
	body, _ := json.Marshal(createPageRequest{ProjectExternalID: "proj1", Title: "Notes"})
	req := httptest.NewRequest(http.MethodPost, "/api/pages/", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	if store.createdTitle != "Notes" {
		t.Fatalf("createdTitle = %q, want %q", store.createdTitle, "Notes")
	}
	var resp createPageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Title != "Notes" {
		t.Fatalf("resp.Title = %q, want %q", resp.Title, "Notes")
	}
}

func TestHandlePageLinksNotFound(t *testing.T) {
	store := &fakeStore{pages: map[string]model.Page{}, projects: map[int64]model.Project{}}
	mux := NewMux(newTestDeps(store, 42))
	req := httptest.NewRequest(http.MethodGet, "/api/pages/missing/links/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandlePageLinksDeniedWithoutAccess(t *testing.T) {
	store := &fakeStore{
		pages:    map[string]model.Page{"p1": {ID: 1, ExternalID: "p1", ProjectID: 1}},
		projects: map[int64]model.Project{1: {ID: 1, ExternalID: "proj1", OrgID: 9}},
	}
	mux := NewMux(newTestDeps(store, 42))
	req := httptest.NewRequest(http.MethodGet, "/api/pages/p1/links/", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}
