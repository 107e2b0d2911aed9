// Package ask implements the LLM query orchestrator (spec §4.K): mention
// parsing, explicit/mentioned page merging, the fetch-or-embed page
// selection split, AI credential resolution, and the terminal AskRequest
// record. Grounded on the teacher's pkg/importer orchestration style
// (resolve credential, call out to an external API, persist a terminal
// status row) generalized from an import run to a single query.
package ask

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/inkwell/collabd/pkg/aiclient"
	"github.com/inkwell/collabd/pkg/apierr"
	"github.com/inkwell/collabd/pkg/authz"
	"github.com/inkwell/collabd/pkg/model"
)

// pageMentionWithIDRE matches `@[title](page_external_id)` (spec §4.K step
// 1; spec §6's canonical, bit-compatible "page-mention with id" grammar).
var pageMentionWithIDRE = regexp.MustCompile(`@\[([^\]]+)\]\(([^)]+)\)`)

// pageMentionBareRE and malformedMentionTailRE together implement spec
// §6's "page-mention title-only" grammar,
// `@\[([^\]]+)\](?![a-zA-Z0-9]*\))`: Go's RE2 engine has no lookahead, so
// the negative lookahead is applied by hand in replaceBareMentions,
// checking the text immediately after each bare match instead.
var pageMentionBareRE = regexp.MustCompile(`@\[([^\]]+)\]`)
var malformedMentionTailRE = regexp.MustCompile(`^[a-zA-Z0-9]*\)`)

// Store is the slice of pkg/store the orchestrator needs.
type Store interface {
	PageByExternalID(ctx context.Context, extID string) (model.Page, error)
	Project(ctx context.Context, id int64) (model.Project, error)
	ResolveAICredential(ctx context.Context, configID int64, provider string, userID, orgID int64) (model.AICredential, bool, error)
	PageEmbeddingsFor(ctx context.Context, pageIDs []int64) (map[int64][]byte, error)
	AccessiblePages(ctx context.Context, userID int64) ([]model.Page, error)
	CreateAskRequest(ctx context.Context, userID int64, query string, pageIDs []int64) (model.AskRequest, error)
	CompleteAskRequest(ctx context.Context, id int64, answer string, status model.AskRequestStatus, errorCode string) error
}

// Chat is the slice of pkg/aiclient the orchestrator needs.
type Chat interface {
	ChatCompletion(ctx context.Context, cred aiclient.Credential, messages []aiclient.Message) (string, error)
	Embedding(ctx context.Context, cred aiclient.Credential, text string) ([]float32, error)
}

// Orchestrator runs ask requests end to end.
type Orchestrator struct {
	Store   Store
	Lookups authz.Lookups
	Chat    Chat

	// MaxPages is the configured cap on merged page ids (spec §6
	// Environment: "max accessible pages merged into one ask, default
	// 5").
	MaxPages int
	// TopK bounds the embedding-search fallback's nearest-neighbor count.
	TopK int
}

// Query is one orchestration request (spec §4.K's parameter list).
type Query struct {
	Text           string
	ExplicitIDs    []string // page external ids
	UserID         int64
	OrgID          int64
	CredentialID   int64
	Provider       string
	Model          string
}

// parseMentions extracts @[title](id) occurrences from text, returning
// the ids in order of first appearance and the text with every occurrence
// replaced by its bare title (spec §4.K step 1). Bare `@[title]` mentions
// left over with no `(id)` are also stripped to their title, per spec §6's
// title-only grammar, unless they look like a malformed id mention.
func parseMentions(text string) (ids []string, cleaned string) {
	seen := make(map[string]bool)
	withIDsReplaced := pageMentionWithIDRE.ReplaceAllStringFunc(text, func(m string) string {
		sub := pageMentionWithIDRE.FindStringSubmatch(m)
		title, id := sub[1], sub[2]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		return title
	})
	return ids, replaceBareMentions(withIDsReplaced)
}

// replaceBareMentions strips every remaining `@[title]` mention down to
// its title, skipping one immediately followed by `[a-zA-Z0-9]*)` (an
// `@[title]abc123)` with the opening paren missing) since that's the
// malformed shape spec §6's guard excludes from the title-only grammar.
func replaceBareMentions(text string) string {
	locs := pageMentionBareRE.FindAllStringSubmatchIndex(text, -1)
	if locs == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		titleStart, titleEnd := loc[2], loc[3]
		if start < last {
			continue
		}
		if malformedMentionTailRE.MatchString(text[end:]) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(text[titleStart:titleEnd])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func dedupe(first, second []string) []string {
	seen := make(map[string]bool, len(first)+len(second))
	out := make([]string, 0, len(first)+len(second))
	for _, id := range first {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range second {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Run executes the full pipeline and returns the terminal AskRequest.
// Errors returned are always *apierr.Error.
func (o *Orchestrator) Run(ctx context.Context, q Query) (model.AskRequest, error) {
	if q.Text == "" {
		return model.AskRequest{}, apierr.New(apierr.EmptyQuestion, "question must not be empty")
	}

	mentionedIDs, cleanedText := parseMentions(q.Text)
	mergedIDs := dedupe(q.ExplicitIDs, mentionedIDs)

	maxPages := o.MaxPages
	if maxPages <= 0 {
		maxPages = 5
	}
	if len(mergedIDs) > maxPages {
		mergedIDs = mergedIDs[:maxPages]
	}

	ar, err := o.Store.CreateAskRequest(ctx, q.UserID, q.Text, nil)
	if err != nil {
		return model.AskRequest{}, fmt.Errorf("ask: creating request: %w", err)
	}

	pages, cred, err := o.resolvePages(ctx, q, mergedIDs, maxPages)
	if err != nil {
		o.failRequest(ctx, ar.ID, err)
		return model.AskRequest{}, err
	}
	if len(pages) == 0 {
		err := apierr.New(apierr.NoMatchingPages, "no accessible pages matched this question")
		o.failRequest(ctx, ar.ID, err)
		return model.AskRequest{}, err
	}

	if cred == (aiclient.Credential{}) {
		c, ok, rerr := o.Store.ResolveAICredential(ctx, q.CredentialID, q.Provider, q.UserID, q.OrgID)
		if rerr != nil {
			err := fmt.Errorf("ask: resolving credential: %w", rerr)
			o.failRequest(ctx, ar.ID, err)
			return model.AskRequest{}, err
		}
		if !ok {
			err := apierr.New(apierr.AIKeyNotConfigured, "no AI credential configured")
			o.failRequest(ctx, ar.ID, err)
			return model.AskRequest{}, err
		}
		cred = toClientCredential(c, q.Model)
	}

	messages := buildMessages(cleanedText, pages)
	answer, err := o.Chat.ChatCompletion(ctx, cred, messages)
	if err != nil {
		err := apierr.Wrap(apierr.APIError, "chat completion failed", err)
		o.failRequest(ctx, ar.ID, err)
		return model.AskRequest{}, err
	}

	if err := o.Store.CompleteAskRequest(ctx, ar.ID, answer, model.AskOK, ""); err != nil {
		return model.AskRequest{}, fmt.Errorf("ask: recording completion: %w", err)
	}
	ar.Answer = answer
	ar.Status = model.AskOK
	return ar, nil
}

func (o *Orchestrator) failRequest(ctx context.Context, id int64, cause error) {
	code := ""
	if ae, ok := apierr.As(cause); ok {
		code = string(ae.Code)
	}
	_ = o.Store.CompleteAskRequest(ctx, id, "", model.AskFailed, code)
}

// resolvePages implements §4.K steps 2-3: explicit/mentioned page fetch
// when non-empty, else embedding nearest-neighbor search over accessible
// pages. Mentioned/explicit ids that fail the access check (spec.md §9
// Open Question: "filtered through the same accessible-pages predicate
// ... and silently dropped") are dropped without error, not surfaced as a
// distinct failure.
func (o *Orchestrator) resolvePages(ctx context.Context, q Query, mergedIDs []string, maxPages int) ([]model.Page, aiclient.Credential, error) {
	if len(mergedIDs) > 0 {
		pages, err := o.fetchAccessible(ctx, q.UserID, mergedIDs)
		return pages, aiclient.Credential{}, err
	}

	cred, ok, err := o.Store.ResolveAICredential(ctx, q.CredentialID, q.Provider, q.UserID, q.OrgID)
	if err != nil {
		return nil, aiclient.Credential{}, fmt.Errorf("ask: resolving credential: %w", err)
	}
	if !ok {
		return nil, aiclient.Credential{}, apierr.New(apierr.AIKeyNotConfigured, "no AI credential configured")
	}
	clientCred := toClientCredential(cred, q.Model)

	queryVec, err := o.Chat.Embedding(ctx, clientCred, q.Text)
	if err != nil {
		return nil, clientCred, apierr.Wrap(apierr.APIError, "computing query embedding failed", err)
	}

	accessible, err := o.Store.AccessiblePages(ctx, q.UserID)
	if err != nil {
		return nil, clientCred, fmt.Errorf("ask: listing accessible pages: %w", err)
	}
	if len(accessible) == 0 {
		return nil, clientCred, nil
	}
	ids := make([]int64, len(accessible))
	byID := make(map[int64]model.Page, len(accessible))
	for i, p := range accessible {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	vectors, err := o.Store.PageEmbeddingsFor(ctx, ids)
	if err != nil {
		return nil, clientCred, fmt.Errorf("ask: loading embeddings: %w", err)
	}

	type scored struct {
		pageID int64
		score  float64
	}
	var ranked []scored
	for id, raw := range vectors {
		ranked = append(ranked, scored{id, cosineSimilarity(queryVec, DecodeVector(raw))})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	topK := o.TopK
	if topK <= 0 {
		topK = maxPages
	}
	if topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]model.Page, 0, topK)
	for _, r := range ranked[:topK] {
		out = append(out, byID[r.pageID])
	}
	return out, clientCred, nil
}

// fetchAccessible resolves each external id to a page, silently dropping
// any that don't exist or aren't accessible to userID.
func (o *Orchestrator) fetchAccessible(ctx context.Context, userID int64, extIDs []string) ([]model.Page, error) {
	var out []model.Page
	for _, extID := range extIDs {
		page, err := o.Store.PageByExternalID(ctx, extID)
		if err != nil {
			continue
		}
		proj, err := o.Store.Project(ctx, page.ProjectID)
		if err != nil {
			continue
		}
		ok, err := authz.CanAccessPage(ctx, o.Lookups, authz.Principal{UserID: userID}, page, proj)
		if err != nil {
			return nil, fmt.Errorf("ask: checking access to page %d: %w", page.ID, err)
		}
		if ok {
			out = append(out, page)
		}
	}
	return out, nil
}

func buildMessages(query string, pages []model.Page) []aiclient.Message {
	msgs := make([]aiclient.Message, 0, len(pages)+1)
	for _, p := range pages {
		msgs = append(msgs, aiclient.Message{
			Role:    "system",
			Content: fmt.Sprintf("Page %q:\n%s", p.Title, p.Details.Content),
		})
	}
	msgs = append(msgs, aiclient.Message{Role: "user", Content: query})
	return msgs
}

func toClientCredential(c model.AICredential, modelOverride string) aiclient.Credential {
	m := c.Model
	if modelOverride != "" {
		m = modelOverride
	}
	return aiclient.Credential{Provider: c.Provider, APIKey: c.APIKey, Model: m}
}
