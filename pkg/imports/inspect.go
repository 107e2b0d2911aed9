// Package imports implements the archive ingestion pipeline (spec §4.H):
// pre-extraction bomb inspection on the directory listing alone, unpacking
// and parsing a Notion-shaped export into a page tree with cross-reference
// remapping, page creation (one CreatePage call per candidate, run in
// parallel and not wrapped in one transaction, so a failed page is counted
// while the others are kept), post-success re-upload, and
// guaranteed cleanup. The streaming-inspection-before-extraction approach
// is grounded on the teacher's pkg/importer/takeout (inspect the manifest
// before trusting the bytes) and pkg/blobserver/archiver (archive/zip
// handling), generalized from "restore a user's photo takeout" to "ingest
// an externally authored zip as new pages."
package imports

import (
	"archive/zip"
	"fmt"
	"path"
	"strings"
)

// Thresholds are the pre-extraction limits from spec §4.H / §6
// Environment, supplied by the caller from *pkg/config.Config.
type Thresholds struct {
	MaxCompressionRatio float64
	MaxTotalBytes       int64
	MaxFileBytes        int64
	MaxEntryCount       int
	MaxPathDepth        int
}

// Violation describes why an archive was rejected: the apierr-shaped
// reason, the abuse severity to record, and enough structured detail to
// reconstruct the decision later from the abuse record's JSON detail.
type Violation struct {
	Reason   string
	Severity string
	Detail   map[string]interface{}
}

const allowedNestedArchivePrefix = "ExportBlock-"

// Inspect walks r's directory listing only — never opening an entry's
// contents — and reports the first violation found. Path traversal and
// disallowed nested archives are checked entry by entry during the walk;
// then, over the whole listing, compression ratio, total and per-file
// extracted size, entry count, and path depth, in that order. A nil
// Violation means the archive passes inspection and may be unpacked.
func Inspect(r *zip.Reader, th Thresholds) *Violation {
	var totalUncompressed, totalCompressed uint64
	var maxFile uint64
	maxDepth := 0

	for _, f := range r.File {
		if strings.Contains(f.Name, "..") || path.IsAbs(f.Name) {
			return &Violation{
				Reason:   "path_traversal",
				Severity: "high",
				Detail:   map[string]interface{}{"entry": f.Name},
			}
		}
		if f.FileInfo().IsDir() {
			continue
		}
		totalUncompressed += f.UncompressedSize64
		totalCompressed += f.CompressedSize64
		if f.UncompressedSize64 > maxFile {
			maxFile = f.UncompressedSize64
		}
		if depth := strings.Count(f.Name, "/"); depth > maxDepth {
			maxDepth = depth
		}
		if strings.EqualFold(path.Ext(f.Name), ".zip") {
			base := path.Base(f.Name)
			if !strings.HasPrefix(base, allowedNestedArchivePrefix) {
				return &Violation{
					Reason:   "nested_archive",
					Severity: "high",
					Detail:   map[string]interface{}{"entry": f.Name},
				}
			}
		}
	}

	ratio := compressionRatio(totalUncompressed, totalCompressed)
	if ratio > th.MaxCompressionRatio {
		sev := "medium"
		switch {
		case ratio > 100:
			sev = "critical"
		case ratio > 50:
			sev = "high"
		}
		return &Violation{
			Reason:   "compression_ratio",
			Severity: sev,
			Detail:   map[string]interface{}{"ratio": ratio, "limit": th.MaxCompressionRatio},
		}
	}

	if int64(totalUncompressed) > th.MaxTotalBytes {
		return &Violation{
			Reason:   "extracted_size",
			Severity: "medium",
			Detail:   map[string]interface{}{"total_bytes": totalUncompressed, "limit": th.MaxTotalBytes},
		}
	}
	if int64(maxFile) > th.MaxFileBytes {
		return &Violation{
			Reason:   "extracted_size",
			Severity: "medium",
			Detail:   map[string]interface{}{"file_bytes": maxFile, "limit": th.MaxFileBytes},
		}
	}

	if len(r.File) > th.MaxEntryCount {
		return &Violation{
			Reason:   "file_count",
			Severity: "medium",
			Detail:   map[string]interface{}{"count": len(r.File), "limit": th.MaxEntryCount},
		}
	}
	if maxDepth > th.MaxPathDepth {
		return &Violation{
			Reason:   "path_depth",
			Severity: "medium",
			Detail:   map[string]interface{}{"depth": maxDepth, "limit": th.MaxPathDepth},
		}
	}
	return nil
}

// compressionRatio is infinite (reported as a very large float rather than
// +Inf, so it still marshals to JSON in the abuse detail) when an archive
// claims nonzero uncompressed content from zero compressed bytes.
func compressionRatio(uncompressed, compressed uint64) float64 {
	if compressed == 0 {
		if uncompressed == 0 {
			return 0
		}
		return 1 << 40
	}
	return float64(uncompressed) / float64(compressed)
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s (severity=%s)", v.Reason, v.Severity)
}
