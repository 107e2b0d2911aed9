package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/inkwell/collabd/pkg/model"
)

// ResolveAICredential implements the credential resolution order from
// spec §4.K: explicit config id, explicit provider, user default, org
// default — first match wins.
func (s *Store) ResolveAICredential(ctx context.Context, configID int64, provider string, userID, orgID int64) (model.AICredential, bool, error) {
	if configID != 0 {
		if c, ok, err := s.aiCredential(ctx, `id = $1`, configID); ok || err != nil {
			return c, ok, err
		}
	}
	if provider != "" {
		if c, ok, err := s.aiCredential(ctx, `provider = $1 AND scope IN ('user','org')`, provider); ok || err != nil {
			return c, ok, err
		}
	}
	if c, ok, err := s.aiCredential(ctx, `scope = 'user' AND owner_id = $1`, userID); ok || err != nil {
		return c, ok, err
	}
	return s.aiCredential(ctx, `scope = 'org' AND owner_id = $1`, orgID)
}

func (s *Store) aiCredential(ctx context.Context, where string, arg interface{}) (model.AICredential, bool, error) {
	var c model.AICredential
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, owner_id, provider, api_key, model FROM ai_credentials WHERE `+where+` LIMIT 1`, arg,
	).Scan(&c.ID, &c.Scope, &c.OwnerID, &c.Provider, &c.APIKey, &c.Model)
	if err == sql.ErrNoRows {
		return model.AICredential{}, false, nil
	}
	if err != nil {
		return model.AICredential{}, false, fmt.Errorf("store: ai_credential: %w", err)
	}
	return c, true, nil
}

// CreateAskRequest inserts the initial pending AskRequest row (spec
// §4.K step 6).
func (s *Store) CreateAskRequest(ctx context.Context, userID int64, query string, pageIDs []int64) (model.AskRequest, error) {
	ar := model.AskRequest{UserID: userID, Query: query, PageIDs: pageIDs, Status: model.AskPending}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ask_requests (user_id, query, page_ids, status) VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, userID, query, pq.Array(pageIDs), ar.Status).Scan(&ar.ID, &ar.CreatedAt)
	if err != nil {
		return model.AskRequest{}, fmt.Errorf("store: create_ask_request: %w", err)
	}
	return ar, nil
}

// CompleteAskRequest flips an AskRequest to its terminal ok/failed state.
func (s *Store) CompleteAskRequest(ctx context.Context, id int64, answer string, status model.AskRequestStatus, errorCode string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ask_requests SET answer=$1, status=$2, error_code=$3 WHERE id=$4`, answer, status, errorCode, id)
	return err
}

// PageEmbeddingsFor fetches accessible pages' stored embeddings for the
// cosine-similarity nearest-neighbour fallback search (spec §4.K step 3).
func (s *Store) PageEmbeddingsFor(ctx context.Context, pageIDs []int64) (map[int64][]byte, error) {
	if len(pageIDs) == 0 {
		return map[int64][]byte{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_id, vector FROM page_embeddings WHERE page_id = ANY($1)`, pq.Array(pageIDs))
	if err != nil {
		return nil, fmt.Errorf("store: page_embeddings_for: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]byte)
	for rows.Next() {
		var id int64
		var v []byte
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, rows.Err()
}
