package imports

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		MaxCompressionRatio: 30,
		MaxTotalBytes:        5 << 30,
		MaxFileBytes:         1 << 30,
		MaxEntryCount:        100000,
		MaxPathDepth:         30,
	}
}

func buildZip(t *testing.T, entries []struct {
	name   string
	data   []byte
	method uint16
}) *zip.Reader {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.name, Method: e.method}
		fw, err := w.CreateHeader(fh)
		if err != nil {
			t.Fatalf("CreateHeader(%q): %v", e.name, err)
		}
		if _, err := fw.Write(e.data); err != nil {
			t.Fatalf("Write(%q): %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	return r
}

type zipEntry = struct {
	name   string
	data   []byte
	method uint16
}

// TestCompressionRatioBoundary is spec §8's boundary behavior: a ratio of
// exactly 30x is accepted, 30x + epsilon is rejected.
func TestCompressionRatioBoundary(t *testing.T) {
	if got := compressionRatio(300, 10); got != 30 {
		t.Fatalf("expected exact ratio 30, got %v", got)
	}
	if 30 > defaultThresholds().MaxCompressionRatio {
		t.Fatal("exact 30x ratio must not exceed the 30x threshold")
	}
	over := compressionRatio(301, 10)
	if over <= defaultThresholds().MaxCompressionRatio {
		t.Fatalf("301/10 = %v should exceed the 30x threshold", over)
	}
}

func TestInspectAcceptsCleanArchive(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "notes/page-abc123.md", data: []byte("# hello\nworld"), method: zip.Store},
	})
	if v := Inspect(r, defaultThresholds()); v != nil {
		t.Fatalf("expected no violation, got %+v", v)
	}
}

func TestInspectPathTraversal(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "../../etc/passwd", data: []byte("evil"), method: zip.Store},
	})
	v := Inspect(r, defaultThresholds())
	if v == nil || v.Reason != "path_traversal" {
		t.Fatalf("expected path_traversal violation, got %+v", v)
	}
}

func TestInspectNestedArchiveRejectedByDefault(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "attachments/bundle.zip", data: []byte("pkpk"), method: zip.Store},
	})
	v := Inspect(r, defaultThresholds())
	if v == nil || v.Reason != "nested_archive" {
		t.Fatalf("expected nested_archive violation, got %+v", v)
	}
}

func TestInspectNestedArchiveAllowedPattern(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "attachments/ExportBlock-1234567890abcdef.zip", data: []byte("pkpk"), method: zip.Store},
	})
	v := Inspect(r, defaultThresholds())
	if v != nil {
		t.Fatalf("an ExportBlock-* nested archive must be allowed, got %+v", v)
	}
}

func TestInspectFileCount(t *testing.T) {
	var entries []zipEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, zipEntry{name: fmt.Sprintf("page-%d.md", i), data: []byte("x"), method: zip.Store})
	}
	r := buildZip(t, entries)
	th := defaultThresholds()
	th.MaxEntryCount = 3
	v := Inspect(r, th)
	if v == nil || v.Reason != "file_count" {
		t.Fatalf("expected file_count violation, got %+v", v)
	}
}

func TestInspectPathDepth(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "a/b/c/d/e/f/g/page.md", data: []byte("x"), method: zip.Store},
	})
	th := defaultThresholds()
	th.MaxPathDepth = 3
	v := Inspect(r, th)
	if v == nil || v.Reason != "path_depth" {
		t.Fatalf("expected path_depth violation, got %+v", v)
	}
}

func TestInspectExtractedSizeTotal(t *testing.T) {
	r := buildZip(t, []zipEntry{
		{name: "big.md", data: bytes.Repeat([]byte("a"), 1000), method: zip.Store},
	})
	th := defaultThresholds()
	th.MaxTotalBytes = 500
	v := Inspect(r, th)
	if v == nil || v.Reason != "extracted_size" {
		t.Fatalf("expected extracted_size violation, got %+v", v)
	}
}

// TestInspectCompressionRatioSeverity exercises the severity escalation
// (medium/high/critical) based on how far over the ratio threshold the
// archive is (spec §4.H).
func TestInspectCompressionRatioSeverity(t *testing.T) {
	mk := func(n int) *zip.Reader {
		return buildZip(t, []zipEntry{
			{name: "bomb.md", data: bytes.Repeat([]byte{0}, n), method: zip.Deflate},
		})
	}
	th := defaultThresholds()

	// A highly repetitive payload compresses far past 100x with deflate.
	r := mk(8 << 20)
	v := Inspect(r, th)
	if v == nil || v.Reason != "compression_ratio" {
		t.Fatalf("expected compression_ratio violation, got %+v", v)
	}
	if v.Severity != "critical" {
		t.Fatalf("expected critical severity for a >100x bomb, got %q (detail=%v)", v.Severity, v.Detail)
	}
}
