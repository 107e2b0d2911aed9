package filedownload

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inkwell/collabd/pkg/model"
)

type fakeLookups struct {
	file    model.FileUpload
	project model.Project
	found   bool
	blob    model.FileBlob
	hasBlob bool
}

func (f *fakeLookups) LookupForDownload(ctx context.Context, projectExtID, fileExtID string) (model.FileUpload, model.Project, error) {
	if !f.found {
		return model.FileUpload{}, model.Project{}, sql.ErrNoRows
	}
	return f.file, f.project, nil
}

func (f *fakeLookups) BestBlob(ctx context.Context, fileID int64, preferredProvider string) (model.FileBlob, bool, error) {
	return f.blob, f.hasBlob, nil
}

func newRequest(t *testing.T, projectID, fileID, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/files/"+projectID+"/"+fileID+"/"+token+"/", nil)
	r.SetPathValue("project_id", projectID)
	r.SetPathValue("file_id", fileID)
	r.SetPathValue("access_token", token)
	return r
}

func TestHandlerNotFoundWhenLookupMisses(t *testing.T) {
	h := &Handler{Store: &fakeLookups{found: false}}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(t, "proj1", "file1", "tok"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandlerNotFoundOnTokenMismatch(t *testing.T) {
	h := &Handler{Store: &fakeLookups{
		found: true,
		file:  model.FileUpload{ID: 1, ExternalID: "file1", AccessToken: "correct-token"},
	}}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(t, "proj1", "file1", "wrong-token"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandlerNotFoundWhenNoBlob(t *testing.T) {
	h := &Handler{Store: &fakeLookups{
		found:   true,
		file:    model.FileUpload{ID: 1, ExternalID: "file1", AccessToken: "tok"},
		hasBlob: false,
	}}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(t, "proj1", "file1", "tok"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
