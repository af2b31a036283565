package kvasir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ChangeError is a rejected change submission. The store's success code
// is specific: anything but 201, generic 2xx included, means the change
// was not accepted.
type ChangeError struct {
	Status int
	Body   string
}

func (e *ChangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("change failed %d", e.Status)
	}
	return fmt.Sprintf("change failed %d: %s", e.Status, e.Body)
}

type Receipt struct {
	Status   int
	Location string
}

// Submit posts a JSON-LD change document. On acceptance, if the response
// names a status resource, it is polled once in the background after the
// configured delay; whatever the poll finds is logged only — the save
// already succeeded by HTTP contract.
//
// Wildcard deletes (kss:delete: ["*"] scoped with kss:with) are not
// reliable against this store (observed NO_MATCHES); callers must send
// explicit per-triple deletes.
func (c *Client) Submit(ctx context.Context, token string, doc Document) (*Receipt, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.changesURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create change request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ld+json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("change request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read change response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return nil, &ChangeError{Status: resp.StatusCode, Body: excerpt(body)}
	}

	location := resp.Header.Get("Location")
	if location != "" {
		go c.pollStatus(location, token)
	}

	return &Receipt{Status: resp.StatusCode, Location: location}, nil
}

// pollStatus fetches the change status resource once, after waiting out
// the store's consistency window. Diagnostic only: failures are logged
// at warn and never propagate.
func (c *Client) pollStatus(location, token string) {
	time.Sleep(c.pollDelay)

	req, err := http.NewRequest(http.MethodGet, location, nil)
	if err != nil {
		slog.Warn("Could not build change status request", "location", location, "error", err)
		return
	}
	req.Header.Set("Accept", "application/ld+json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Could not check change status", "location", location, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Change status resource unavailable",
			"location", location,
			"status", resp.StatusCode)
		return
	}

	var status map[string]any
	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		slog.Warn("Could not parse change status", "location", location, "error", err)
		return
	}

	resultCode := firstOf(status, "kss:resultCode", "resultCode")
	if resultCode == nil {
		if last := lastStatusEntry(status); last != nil {
			resultCode = firstOf(last, "kss:statusCode", "statusCode")
		}
	}
	errorMessage := firstOf(status, "kss:errorMessage", "errorMessage")
	nrOfInserts := firstOf(status, "kss:nrOfInserts", "nrOfInserts")

	if errorMessage != nil {
		slog.Error("Change request was rejected after commit",
			"location", location,
			"error_message", errorMessage,
			"telegram", true)
		return
	}

	slog.Info("Change request committed",
		"location", location,
		"result_code", resultCode,
		"inserts", nrOfInserts)
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func lastStatusEntry(status map[string]any) map[string]any {
	entries := firstOf(status, "kss:statusEntry", "statusEntry")

	list, ok := entries.([]any)
	if !ok || len(list) == 0 {
		return nil
	}

	last, ok := list[len(list)-1].(map[string]any)
	if !ok {
		return nil
	}
	return last
}
