// Package filedownload implements the public access-token download route
// (spec §4.J): GET /files/{project_id}/{file_id}/{access_token}/. The
// handler never streams file bytes itself — it resolves the best blob and
// redirects to a short-lived storage-signed URL, the same "hand the
// client a signed URL, don't proxy the bytes" shape as the teacher's
// pkg/server.DownloadHandler, generalized from blobref-addressed content
// to a token-gated relational row.
package filedownload

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/inkwell/collabd/internal/reqlog"
	"github.com/inkwell/collabd/pkg/model"
	"github.com/inkwell/collabd/pkg/objectstore"
)

// downloadExpiry is the signed-URL lifetime for a download-by-token
// request (spec §5: "download 5 min (download-by-token)").
const downloadExpiry = 5 * time.Minute

// Lookups is the slice of pkg/store a download needs.
type Lookups interface {
	// LookupForDownload applies every criterion in spec §4.J except the
	// access-token comparison itself (done here, constant-time) and
	// returns sql.ErrNoRows if any of the others fail.
	LookupForDownload(ctx context.Context, projectExtID, fileExtID string) (model.FileUpload, model.Project, error)
	BestBlob(ctx context.Context, fileID int64, preferredProvider string) (model.FileBlob, bool, error)
}

// Handler serves the public download redirect. It holds no auth
// dependency: the access token is the only credential, per spec.
type Handler struct {
	Store   Lookups
	Storage objectstore.Store
}

// ServeHTTP expects r.PathValue("project_id"), r.PathValue("file_id"), and
// r.PathValue("access_token") to already be populated by the caller's
// mux pattern (e.g. "GET /files/{project_id}/{file_id}/{access_token}/").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := reqlog.New(ctx)

	projectID := r.PathValue("project_id")
	fileID := r.PathValue("file_id")
	token := r.PathValue("access_token")

	f, _, err := h.Store.LookupForDownload(ctx, projectID, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		logger.Printf("filedownload: lookup %s/%s: %v", projectID, fileID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Constant-time comparison: the access token is the sole credential
	// (spec §4.J), so a length- or byte-wise short-circuiting compare
	// would leak timing information about how much of the guess matched.
	if subtle.ConstantTimeCompare([]byte(token), []byte(f.AccessToken)) != 1 {
		http.NotFound(w, r)
		return
	}

	preferred := r.URL.Query().Get("provider")
	blob, ok, err := h.Store.BestBlob(ctx, f.ID, preferred)
	if err != nil {
		logger.Printf("filedownload: best_blob for file %d: %v", f.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	signed, err := h.Storage.GenerateDownloadURL(ctx, blob.Key, downloadExpiry, filenameFor(f))
	if err != nil {
		logger.Printf("filedownload: signing url for file %d: %v", f.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func filenameFor(f model.FileUpload) string {
	return url.QueryEscape(f.ExternalID)
}
