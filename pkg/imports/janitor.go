package imports

import (
	"context"
	"os"
	"time"

	"github.com/inkwell/collabd/internal/reqlog"
	"github.com/inkwell/collabd/pkg/model"
)

// defaultStaleAfter is the janitor's reconciliation window (spec §4.H:
// "default 24 h").
const defaultStaleAfter = 24 * time.Hour

// RunJanitor reconciles drift left by a crashed or killed worker: any
// archive whose temp path is still set and whose job is older than
// StaleAfter gets its temp file deleted and its job marked failed
// ("timed out").
func (p *Pipeline) RunJanitor(ctx context.Context) error {
	staleAfter := p.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	logger := reqlog.New(ctx)
	stale, err := p.Store.StaleImportArchives(ctx, staleAfter)
	if err != nil {
		return err
	}
	for _, arc := range stale {
		if arc.TempFilePath != "" {
			if err := os.Remove(arc.TempFilePath); err != nil && !os.IsNotExist(err) {
				logger.Printf("imports: janitor: removing temp file for job %d: %v", arc.JobID, err)
			}
		}
		if err := p.Store.ClearArchiveTempPath(ctx, arc.JobID); err != nil {
			logger.Printf("imports: janitor: clearing temp path for job %d: %v", arc.JobID, err)
		}
		if err := p.Store.SetImportJobStatus(ctx, arc.JobID, model.ImportFailed, "timed out"); err != nil {
			logger.Printf("imports: janitor: marking job %d failed: %v", arc.JobID, err)
		}
	}
	return nil
}
