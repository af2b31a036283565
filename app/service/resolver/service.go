package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tabulas/app/client/kvasir"
	"tabulas/app/config"
	"tabulas/app/vocab"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

// Service turns a profile's edge sets into flat code sets. Reads tolerate
// duplicate and orphaned references: the store accumulates both across
// repeated saves, so the unique key is (category, code), never the entry id.
type Service struct {
	cfg       *config.Config
	client    *kvasir.Client
	profileID string
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return &Service{
		cfg:       cfg,
		client:    do.MustInvoke[*kvasir.Client](di),
		profileID: vocab.ProfileID(cfg.Profile.Owner),
	}, nil
}

func (s *Service) ProfileID() string {
	return s.profileID
}

// Refs queries the profile's edge set under the category's predicate and
// extracts usable entry references. The endpoint only answers one
// _object(predicate:) selector per query, so each category is its own query.
func (s *Service) Refs(ctx context.Context, token string, category vocab.Category) ([]EntryRef, error) {
	query := fmt.Sprintf(`{ Resource(id: "%s") { id _object(predicate: "%s") { _rawRDF } } }`,
		vocab.EscapeID(s.profileID), category.ProfilePredicate())

	rows, err := s.client.RunQuery(ctx, token, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s edges: %w", category, err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	canonicalPrefix := vocab.CanonicalID(s.profileID) + "#"

	var refs []EntryRef
	for _, node := range rows[0].Object {
		refID := node.RawRDF.RefID()
		if refID == "" {
			continue
		}

		if s.cfg.Profile.CanonicalOnly &&
			!strings.HasPrefix(vocab.CanonicalID(refID), canonicalPrefix) {
			continue
		}

		refs = append(refs, EntryRef{ResourceID: refID})
	}

	return refs, nil
}

// Codes resolves each referenced entry's code value, in batches so the
// query endpoint is never asked for everything at once (bulk queries were
// observed to paginate and silently miss entries). A failed batch is
// retried once and then skipped; the other batches still contribute.
// A rejected credential is not a resolution gap: it is never retried and
// aborts the whole resolution, so the caller cannot mistake an
// unauthorized read for an empty profile.
// Output is alias-normalized, deduplicated and sorted.
func (s *Service) Codes(ctx context.Context, token string, refs []EntryRef, category vocab.Category) ([]string, error) {
	found := make(map[string]struct{})

	batchSize := s.cfg.Kvasir.BatchSize
	for i := 0; i < len(refs); i += batchSize {
		end := i + batchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch := refs[i:end]

		codes, err := s.resolveBatch(ctx, token, batch, category)
		if err != nil && !unauthorized(err) {
			codes, err = s.resolveBatch(ctx, token, batch, category)
		}
		if err != nil {
			if unauthorized(err) {
				return nil, fmt.Errorf("failed to resolve %s entries: %w", category, err)
			}

			slog.Warn("Skipping unresolvable entry batch",
				"category", category,
				"batch_start", i,
				"batch_size", len(batch),
				"error", err)
			continue
		}

		for _, code := range codes {
			found[code] = struct{}{}
		}
	}

	return pie.Sort(pie.Keys(found)), nil
}

func unauthorized(err error) bool {
	var queryErr *kvasir.QueryError
	return errors.As(err, &queryErr) && queryErr.Unauthorized()
}

// Load is Refs followed by Codes for one category.
func (s *Service) Load(ctx context.Context, token string, category vocab.Category) ([]string, error) {
	refs, err := s.Refs(ctx, token, category)
	if err != nil {
		return nil, err
	}

	return s.Codes(ctx, token, refs, category)
}

func (s *Service) resolveBatch(ctx context.Context, token string, batch []EntryRef, category vocab.Category) ([]string, error) {
	var (
		mu    sync.Mutex
		codes []string
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, ref := range batch {
		g.Go(func() error {
			query := fmt.Sprintf(`{ Resource(id: "%s") { id _object(predicate: "%s") { _rawRDF } } }`,
				vocab.EscapeID(ref.ResourceID), category.CodePredicate())

			rows, err := s.client.RunQuery(ctx, token, query)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", ref.ResourceID, err)
			}

			code, ok := extractCode(rows, category)
			if !ok {
				// Foreign or orphaned reference: no code predicate, skip.
				return nil
			}

			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return codes, nil
}

// extractCode reads the category's code predicate from a resolved entry.
// A missing predicate is not an error; the entry simply contributes
// nothing.
func extractCode(rows []kvasir.ResultRow, category vocab.Category) (string, bool) {
	if len(rows) == 0 || len(rows[0].Object) == 0 {
		return "", false
	}

	value := rows[0].Object[0].RawRDF.Value()
	if value == "" {
		return "", false
	}

	return category.NormalizeCode(value), true
}
