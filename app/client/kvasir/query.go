package kvasir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"tabulas/app/vocab"
)

const maxErrorBody = 500

// QueryError is a non-success response from the query endpoint. The body
// excerpt is bounded so it stays displayable.
type QueryError struct {
	Status int
	Body   string
}

func (e *QueryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("query failed %d", e.Status)
	}
	return fmt.Sprintf("query failed %d: %s", e.Status, e.Body)
}

// Unauthorized reports whether the held credential was rejected; the
// caller must drop it and re-authenticate rather than retry.
func (e *QueryError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// excerpt bounds the body to maxErrorBody characters, never splitting a
// multibyte rune.
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(s) <= maxErrorBody {
		return s
	}
	return string([]rune(s)[:maxErrorBody])
}

type queryRequest struct {
	Context map[string]string `json:"@context"`
	Query   string            `json:"query"`
}

type queryEnvelope struct {
	Data struct {
		Resource []ResultRow `json:"Resource"`
	} `json:"data"`
}

// RunQuery posts query text to the query endpoint and unwraps the
// response envelope. No retries.
func (c *Client) RunQuery(ctx context.Context, token, query string) ([]ResultRow, error) {
	payload, err := json.Marshal(queryRequest{
		Context: vocab.QueryContext,
		Query:   query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read query response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &QueryError{Status: resp.StatusCode, Body: excerpt(body)}
	}

	if len(body) == 0 {
		return nil, nil
	}

	var envelope queryEnvelope
	if err = json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", err)
	}

	return envelope.Data.Resource, nil
}
