package ask

import (
	"context"
	"testing"

	"github.com/inkwell/collabd/pkg/aiclient"
	"github.com/inkwell/collabd/pkg/model"
)

type fakeStore struct {
	pages       map[string]model.Page
	projects    map[int64]model.Project
	credential  model.AICredential
	haveCred    bool
	embeddings  map[int64][]byte
	accessible  []model.Page
	lastStatus  model.AskRequestStatus
	lastCode    string
	lastAnswer  string
}

func (s *fakeStore) PageByExternalID(ctx context.Context, extID string) (model.Page, error) {
	p, ok := s.pages[extID]
	if !ok {
		return model.Page{}, errNotFound
	}
	return p, nil
}

func (s *fakeStore) Project(ctx context.Context, id int64) (model.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return model.Project{}, errNotFound
	}
	return p, nil
}

func (s *fakeStore) ResolveAICredential(ctx context.Context, configID int64, provider string, userID, orgID int64) (model.AICredential, bool, error) {
	return s.credential, s.haveCred, nil
}

func (s *fakeStore) PageEmbeddingsFor(ctx context.Context, pageIDs []int64) (map[int64][]byte, error) {
	return s.embeddings, nil
}

func (s *fakeStore) AccessiblePages(ctx context.Context, userID int64) ([]model.Page, error) {
	return s.accessible, nil
}

func (s *fakeStore) CreateAskRequest(ctx context.Context, userID int64, query string, pageIDs []int64) (model.AskRequest, error) {
	return model.AskRequest{ID: 1, UserID: userID, Query: query}, nil
}

func (s *fakeStore) CompleteAskRequest(ctx context.Context, id int64, answer string, status model.AskRequestStatus, errorCode string) error {
	s.lastStatus, s.lastCode, s.lastAnswer = status, errorCode, answer
	return nil
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNotFound = stubErr("not found")

type fakeLookups struct{}

func (fakeLookups) IsOrgMember(ctx context.Context, orgID, userID int64) (bool, error) { return true, nil }
func (fakeLookups) ProjectEditorRole(ctx context.Context, projectID, userID int64) (model.Role, bool, error) {
	return "", false, nil
}

type fakeChat struct {
	answer string
	vec    []float32
}

func (c *fakeChat) ChatCompletion(ctx context.Context, cred aiclient.Credential, messages []aiclient.Message) (string, error) {
	return c.answer, nil
}

func (c *fakeChat) Embedding(ctx context.Context, cred aiclient.Credential, text string) ([]float32, error) {
	return c.vec, nil
}

func TestRunEmptyQuestion(t *testing.T) {
	o := &Orchestrator{Store: &fakeStore{}, Lookups: fakeLookups{}, Chat: &fakeChat{}}
	_, err := o.Run(context.Background(), Query{Text: ""})
	if err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestRunExplicitPages(t *testing.T) {
	proj := model.Project{ID: 1, ExternalID: "proj1"}
	page := model.Page{ID: 10, ExternalID: "page1", ProjectID: 1, Title: "Notes"}
	store := &fakeStore{
		pages:      map[string]model.Page{"page1": page},
		projects:   map[int64]model.Project{1: proj},
		credential: model.AICredential{Provider: "openai", APIKey: "k", Model: "gpt"},
		haveCred:   true,
	}
	chat := &fakeChat{answer: "the answer"}
	o := &Orchestrator{Store: store, Lookups: fakeLookups{}, Chat: chat, MaxPages: 5}

	ar, err := o.Run(context.Background(), Query{Text: "what's in my notes?", ExplicitIDs: []string{"page1"}, UserID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ar.Answer != "the answer" {
		t.Fatalf("answer = %q", ar.Answer)
	}
	if store.lastStatus != model.AskOK {
		t.Fatalf("status = %v", store.lastStatus)
	}
}

func TestRunNoMatchingPages(t *testing.T) {
	store := &fakeStore{haveCred: true, credential: model.AICredential{Provider: "openai"}}
	o := &Orchestrator{Store: store, Lookups: fakeLookups{}, Chat: &fakeChat{}}
	_, err := o.Run(context.Background(), Query{Text: "anything", ExplicitIDs: []string{"missing"}, UserID: 1})
	if err == nil {
		t.Fatal("expected no_matching_pages error")
	}
	if store.lastCode != "no_matching_pages" {
		t.Fatalf("code = %q", store.lastCode)
	}
}

func TestParseMentions(t *testing.T) {
	ids, cleaned := parseMentions("see @[Roadmap](page1) and @[Roadmap](page1) again")
	if len(ids) != 1 || ids[0] != "page1" {
		t.Fatalf("ids = %v", ids)
	}
	want := "see Roadmap and Roadmap again"
	if cleaned != want {
		t.Fatalf("cleaned = %q, want %q", cleaned, want)
	}
}
