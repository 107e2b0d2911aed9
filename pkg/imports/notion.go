package imports

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// notionSuffixRE extracts the Notion export's trailing 16-to-32-hex-char
// unique id from a title, with an optional separating space/dash/underscore
// (spec §4.H: "a 16-to-32-hex-character suffix separates the human title
// from the unique id"). The suffix itself doubles as the source hash used
// for cross-reference remapping and the imported_pages dedupe key — no
// need to hash it further, it is already a unique opaque token.
var notionSuffixRE = regexp.MustCompile(`^(.*?)[ _-]?([0-9a-fA-F]{16,32})$`)

// notionLinkRE matches a markdown link whose target ends in a Notion
// unique-id suffix, optionally percent-encoded, with any extension.
var notionLinkRE = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*?([0-9a-fA-F]{16,32})(?:\.[a-zA-Z0-9]+)?)\)`)

// splitNotionName separates a path component's human title from its
// unique-id suffix. ok is false for a component that doesn't match the
// convention (e.g. a plain "Untitled" export, or an asset subdirectory),
// in which case the whole name, untrimmed, is returned as the title with
// an empty id.
func splitNotionName(name string) (title, id string, ok bool) {
	m := notionSuffixRE.FindStringSubmatch(name)
	if m == nil {
		return name, "", false
	}
	return strings.TrimSpace(m[1]), strings.ToLower(m[2]), true
}

// candidatePage is one archive entry recognized as page content (spec
// §4.H: "every .md and .csv file becomes a candidate page").
type candidatePage struct {
	archivePath string
	title       string
	sourceHash  string // the Notion unique-id suffix
	parentHash  string // containing directory's unique-id suffix, if any
	ext         string
	raw         []byte
}

// walkNotionTree classifies every file entry in files (archivePath ->
// raw bytes) into candidate pages (.md/.csv) versus skipped entries,
// resolving each candidate's containing-directory id for the parent
// relationship (spec §4.H: "directories nest pages").
func walkNotionTree(files map[string][]byte) (candidates []candidatePage, skipped int) {
	for archivePath, raw := range files {
		ext := strings.ToLower(path.Ext(archivePath))
		if ext != ".md" && ext != ".csv" {
			skipped++
			continue
		}
		base := strings.TrimSuffix(path.Base(archivePath), path.Ext(archivePath))
		title, hash, ok := splitNotionName(base)
		if !ok || hash == "" {
			// No recognizable unique id: still a candidate page (spec
			// only requires the extension match), just unreferenceable
			// by cross-links and unparented.
			candidates = append(candidates, candidatePage{archivePath: archivePath, title: base, ext: ext, raw: raw})
			continue
		}
		dir := path.Dir(archivePath)
		parentHash := ""
		if dir != "." && dir != "/" {
			_, parentHash, _ = splitNotionName(path.Base(dir))
		}
		candidates = append(candidates, candidatePage{
			archivePath: archivePath,
			title:       title,
			sourceHash:  hash,
			parentHash:  parentHash,
			ext:         ext,
			raw:         raw,
		})
	}
	return candidates, skipped
}

// remapCrossReferences rewrites every Notion-style internal link in
// content whose target's unique-id suffix is a known candidate into the
// canonical `[text](/pages/{page_id})` grammar pkg/derive parses (spec
// §4.H: "remapped to the new page external ids via a pre-computed
// (source-hash -> new-external-id) map"). Unrecognized targets (pointing
// outside the archive, or to a file that was skipped) are left untouched.
func remapCrossReferences(content string, hashToNewExtID map[string]string) string {
	return notionLinkRE.ReplaceAllStringFunc(content, func(m string) string {
		sub := notionLinkRE.FindStringSubmatch(m)
		text, hash := sub[1], strings.ToLower(sub[3])
		newExtID, ok := hashToNewExtID[hash]
		if !ok {
			return m
		}
		return "[" + text + "](/pages/" + newExtID + ")"
	})
}

// decodeLinkTarget percent-decodes a link target (Notion exports spaces
// as %20 in its own internal links), returning s unchanged if it does not
// decode. splitNotionName and notionLinkRE both operate on the hex suffix
// alone so encoding of the human title portion never matters; nothing in
// the pipeline calls this function.
func decodeLinkTarget(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}
