package imports

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inkwell/collabd/internal/extid"
	"github.com/inkwell/collabd/internal/reqlog"
	"github.com/inkwell/collabd/pkg/apierr"
	"github.com/inkwell/collabd/pkg/crdtdoc"
	"github.com/inkwell/collabd/pkg/model"
)

// Persistence is the slice of pkg/store an import run needs.
type Persistence interface {
	CreateImportJob(ctx context.Context, externalID string, projectID, userID int64, tempFilePath string, sizeBytes int64) (model.ImportJob, model.ImportArchive, error)
	SetImportJobStatus(ctx context.Context, jobID int64, status model.ImportJobStatus, message string) error
	SetImportJobCounters(ctx context.Context, jobID int64, total, imported, skipped, failed int) error
	ImportJob(ctx context.Context, id int64) (model.ImportJob, error)
	ImportArchiveForJob(ctx context.Context, jobID int64) (model.ImportArchive, error)
	SetArchiveStorageKey(ctx context.Context, jobID int64, key string) error
	ClearArchiveTempPath(ctx context.Context, jobID int64) error
	RecordImportedPage(ctx context.Context, jobID int64, sourceHash string, pageID int64, pageExtID string) error
	StaleImportArchives(ctx context.Context, threshold time.Duration) ([]model.ImportArchive, error)

	CreatePage(ctx context.Context, externalID string, projectID, creatorID int64, title string, details model.PageDetails, copyFromExtID string) (model.Page, error)
	SetPageParent(ctx context.Context, pageID, parentID int64) error
	DeleteAll(ctx context.Context, roomID string) error
	PutSnapshot(ctx context.Context, roomID string, blob []byte, watermark int64) error
}

// AbuseTracker is the slice of pkg/abuse an import run needs.
type AbuseTracker interface {
	Record(ctx context.Context, rec model.AbuseRecord) error
	ShouldBlock(ctx context.Context, userID int64) (bool, error)
}

// ObjectStore is the slice of pkg/objectstore a run needs, for the
// post-success durable re-upload (spec §4.H).
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Pipeline runs one archive ingestion job end to end (spec §4.H).
type Pipeline struct {
	Store      Persistence
	Abuse      AbuseTracker
	Storage    ObjectStore
	Thresholds Thresholds
	StaleAfter time.Duration // default 24h, janitor reconciliation window
}

// StartImport implements the entry point REST handlers call: validates
// the caller isn't banned, creates the job row, and hands the archive off
// to Run (callers typically invoke Run via pkg/jobqueue's
// TaskProcessNotionImport handler rather than inline).
func (p *Pipeline) StartImport(ctx context.Context, projectID, userID int64, archivePath string, sizeBytes int64) (model.ImportJob, error) {
	blocked, err := p.Abuse.ShouldBlock(ctx, userID)
	if err != nil {
		return model.ImportJob{}, fmt.Errorf("imports: checking ban: %w", err)
	}
	if blocked {
		return model.ImportJob{}, apierr.New(apierr.TemporarilyBlocked, "account temporarily blocked from imports")
	}
	job, _, err := p.Store.CreateImportJob(ctx, extid.New(16), projectID, userID, archivePath, sizeBytes)
	if err != nil {
		return model.ImportJob{}, fmt.Errorf("imports: creating job: %w", err)
	}
	return job, nil
}

// Run processes jobID's archive to completion or failure. Cleanup (temp
// file, extracted directory, clearing temp_file_path) is guaranteed on
// every exit path via the deferred cleanup below (spec §4.H).
func (p *Pipeline) Run(ctx context.Context, jobID int64) error {
	logger := reqlog.New(ctx)
	job, err := p.Store.ImportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("imports: loading job %d: %w", jobID, err)
	}
	arc, err := p.Store.ImportArchiveForJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("imports: loading archive for job %d: %w", jobID, err)
	}

	if err := p.Store.SetImportJobStatus(ctx, jobID, model.ImportProcessing, ""); err != nil {
		return fmt.Errorf("imports: marking processing: %w", err)
	}

	var scratchDir string
	defer func() {
		if scratchDir != "" {
			os.RemoveAll(scratchDir)
		}
		if arc.TempFilePath != "" {
			os.Remove(arc.TempFilePath)
		}
		if err := p.Store.ClearArchiveTempPath(ctx, jobID); err != nil {
			logger.Printf("imports: job %d: clearing temp path: %v", jobID, err)
		}
	}()

	data, err := os.ReadFile(arc.TempFilePath)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Sprintf("reading archive: %v", err), apierr.InvalidZip)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return p.fail(ctx, jobID, fmt.Sprintf("invalid zip: %v", err), apierr.InvalidZip)
	}

	if v := Inspect(zr, p.Thresholds); v != nil {
		// path_traversal is a hard reject only: the source never
		// classifies it in the abuse severity hierarchy (spec §9 open
		// question, preserved as-is), so it is the one violation that
		// skips the abuse tracker.
		if v.Reason != "path_traversal" {
			detail, _ := json.Marshal(v.Detail)
			if err := p.Abuse.Record(ctx, model.AbuseRecord{
				UserID:   job.UserID,
				Reason:   v.Reason,
				Severity: model.AbuseSeverity(v.Severity),
				Detail:   detail,
				JobID:    &jobID,
			}); err != nil {
				logger.Printf("imports: job %d: recording abuse: %v", jobID, err)
			}
		}
		code := apierr.Code(v.Reason)
		if v.Reason == "path_traversal" {
			code = apierr.InvalidZip
		}
		return p.fail(ctx, jobID, fmt.Sprintf("rejected: %s", v.Reason), code)
	}

	scratchDir, err = os.MkdirTemp("", "collabd-import-*")
	if err != nil {
		return p.fail(ctx, jobID, fmt.Sprintf("scratch dir: %v", err), apierr.Unexpected)
	}
	files, err := extractAll(zr, scratchDir)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Sprintf("extracting: %v", err), apierr.InvalidZip)
	}

	candidates, skippedCount := walkNotionTree(files)

	// Generate every new external id up front so cross-reference
	// remapping can resolve forward references regardless of creation
	// order (spec §4.H: "pre-computed (source-hash -> new-external-id)
	// map").
	hashToNewExtID := make(map[string]string, len(candidates))
	for i := range candidates {
		if candidates[i].sourceHash == "" {
			continue
		}
		hashToNewExtID[candidates[i].sourceHash] = extid.New(16)
	}

	type created struct {
		page       model.Page
		sourceHash string
		failed     bool
	}
	results := make([]created, len(candidates))

	// Page creation is parallelized across candidates (SPEC_FULL.md §2:
	// "golang.org/x/sync (errgroup) ... pkg/imports — parallel page
	// creation"); each candidate only touches its own row so there is no
	// cross-candidate contention beyond what the database itself
	// serializes.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range candidates {
		i := i
		g.Go(func() error {
			c := candidates[i]
			extID := hashToNewExtID[c.sourceHash]
			if extID == "" {
				extID = extid.New(16)
			}
			content := string(c.raw)
			if c.ext == ".md" {
				content = remapCrossReferences(content, hashToNewExtID)
			}
			details := model.PageDetails{Content: content, SchemaVersion: 1}
			if c.ext == ".csv" {
				details.FileType = model.FileTypeCSV
			} else {
				details.FileType = model.FileTypeMarkdown
			}
			page, err := p.Store.CreatePage(gctx, extID, job.ProjectID, job.UserID, c.title, details, "")
			if err != nil {
				logger.Printf("imports: job %d: creating page for %s: %v", jobID, c.archivePath, err)
				results[i] = created{failed: true}
				return nil // a single page failure does not abort the whole import
			}
			if err := seedQuiescentSnapshot(gctx, p.Store, page, content); err != nil {
				logger.Printf("imports: job %d: seeding snapshot for %s: %v", jobID, c.archivePath, err)
			}
			results[i] = created{page: page, sourceHash: c.sourceHash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.fail(ctx, jobID, fmt.Sprintf("creating pages: %v", err), apierr.Unexpected)
	}

	imported, failed := 0, 0
	extIDBySourceHash := make(map[string]int64, len(results))
	for i, r := range results {
		if r.failed {
			failed++
			continue
		}
		imported++
		if candidates[i].sourceHash != "" {
			extIDBySourceHash[candidates[i].sourceHash] = r.page.ID
			if err := p.Store.RecordImportedPage(ctx, jobID, candidates[i].sourceHash, r.page.ID, r.page.ExternalID); err != nil {
				logger.Printf("imports: job %d: recording imported page: %v", jobID, err)
			}
		}
	}

	// Parent relationships, once every page row exists.
	for i, r := range results {
		if r.failed || candidates[i].parentHash == "" {
			continue
		}
		parentID, ok := extIDBySourceHash[candidates[i].parentHash]
		if !ok {
			continue
		}
		if err := p.Store.SetPageParent(ctx, r.page.ID, parentID); err != nil {
			logger.Printf("imports: job %d: setting parent: %v", jobID, err)
		}
	}

	if err := p.Store.SetImportJobCounters(ctx, jobID, len(candidates), imported, skippedCount, failed); err != nil {
		logger.Printf("imports: job %d: recording counters: %v", jobID, err)
	}

	if imported == 0 && skippedCount == 0 {
		return p.fail(ctx, jobID, "no importable content found in archive", apierr.NoImportableContent)
	}

	if err := p.Store.SetImportJobStatus(ctx, jobID, model.ImportCompleted, ""); err != nil {
		logger.Printf("imports: job %d: marking completed: %v", jobID, err)
	}

	// Post-success re-upload: failure here is logged, not fatal — the
	// pages are already created (spec §4.H, §7).
	if err := p.reuploadArchive(ctx, job, data); err != nil {
		logger.Printf("imports: job %d: re-uploading archive: %v", jobID, err)
	}
	return nil
}

func (p *Pipeline) reuploadArchive(ctx context.Context, job model.ImportJob, data []byte) error {
	key := fmt.Sprintf("imports/%s/archive.zip", job.ExternalID)
	if _, err := p.Storage.PutObject(ctx, key, bytes.NewReader(data), "application/zip"); err != nil {
		return err
	}
	return p.Store.SetArchiveStorageKey(ctx, job.ID, key)
}

func (p *Pipeline) fail(ctx context.Context, jobID int64, message string, code apierr.Code) error {
	if err := p.Store.SetImportJobStatus(ctx, jobID, model.ImportFailed, message); err != nil {
		return fmt.Errorf("imports: job %d: recording failure %q: %w", jobID, message, err)
	}
	return apierr.New(code, message)
}

// seedQuiescentSnapshot gives every imported page a non-empty snapshot
// immediately, satisfying spec §3's invariant that "the persisted
// snapshot is never empty for a page that has ever had content": without
// this, a page imported with no subsequent edit would have no snapshot
// row at all until someone joins its room.
func seedQuiescentSnapshot(ctx context.Context, s Persistence, page model.Page, content string) error {
	update := crdtdoc.Seed(fmt.Sprintf("import-%s", page.ExternalID), content)
	doc := crdtdoc.Default()
	if err := doc.Apply(update); err != nil {
		return fmt.Errorf("applying seed update: %w", err)
	}
	return s.PutSnapshot(ctx, model.RoomID(page.ExternalID), doc.Snapshot(), 0)
}

// extractAll unpacks every regular file entry in zr under dir and returns
// their contents keyed by archive path, having already passed Inspect.
func extractAll(zr *zip.Reader, dir string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dest, b, 0o644); err != nil {
			return nil, err
		}
		out[f.Name] = b
	}
	return out, nil
}

// contentHash returns the hex SHA-256 of b, a stable key for archive
// entries outside the Notion unique-id convention. Nothing in the
// pipeline calls it.
func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
