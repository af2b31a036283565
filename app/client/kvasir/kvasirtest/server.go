// Package kvasirtest provides an in-memory fake of a Kvasir pod's query
// and changes endpoints for tests.
package kvasirtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var queryPattern = regexp.MustCompile(`Resource\(id:\s*"((?:[^"\\]|\\.)*)"\s*\)\s*{\s*id\s+_object\(predicate:\s*"([^"]*)"\s*\)`)

// edgeSet holds the raw-RDF values stored under one (resource, predicate)
// key, plus whether the endpoint should render them as a bare object
// instead of a one-element array.
type edgeSet struct {
	values []any
	single bool
}

type Server struct {
	*httptest.Server

	mu           sync.Mutex
	edges        map[string]edgeSet
	failures     map[string]int
	rejected     map[string]bool
	unauthorized bool
	queryDelay   time.Duration

	changeStatus   int
	statusDoc      map[string]any
	statusHTTPCode int
	withLocation   bool
	applyInserts   bool
	changes        []map[string]any

	queryCount  atomic.Int32
	statusPolls atomic.Int32
}

func NewServer(pod string) *Server {
	s := &Server{
		edges:          make(map[string]edgeSet),
		failures:       make(map[string]int),
		rejected:       make(map[string]bool),
		changeStatus:   http.StatusCreated,
		statusHTTPCode: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+pod+"/query", s.handleQuery)
	mux.HandleFunc("POST /"+pod+"/changes", s.handleChanges)
	mux.HandleFunc("GET /"+pod+"/changes/status", s.handleStatus)

	s.Server = httptest.NewServer(mux)

	return s
}

func key(id, predicate string) string {
	return id + "|" + predicate
}

// SetEdges stores raw-RDF values returned for _object(predicate) queries
// on id. Values render as an array, matching the usual endpoint shape.
func (s *Server) SetEdges(id, predicate string, values ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges[key(id, predicate)] = edgeSet{values: values}
}

// SetSingleEdge stores one raw-RDF value rendered as a bare object rather
// than a one-element array.
func (s *Server) SetSingleEdge(id, predicate string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges[key(id, predicate)] = edgeSet{values: []any{value}, single: true}
}

// FailQueriesFor makes the next n queries about id answer 500.
func (s *Server) FailQueriesFor(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[id] = n
}

// RejectQueriesFor makes every query about id answer 401 while other
// resources stay readable. Simulates a token expiring mid-session.
func (s *Server) RejectQueriesFor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejected[id] = true
}

func (s *Server) SetUnauthorized(unauthorized bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unauthorized = unauthorized
}

// SetQueryDelay makes every query sleep before answering.
func (s *Server) SetQueryDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryDelay = d
}

// SetChangeStatus overrides the HTTP status answered by the changes
// endpoint (default 201).
func (s *Server) SetChangeStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.changeStatus = status
}

// EnableStatusResource makes accepted changes carry a Location header
// pointing at a status resource answering doc (or code when doc is nil).
func (s *Server) EnableStatusResource(doc map[string]any, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.withLocation = true
	s.statusDoc = doc
	s.statusHTTPCode = code
}

// ApplyInserts makes accepted change documents mutate the stored graph so
// that subsequent queries observe them (a pod with no consistency lag).
func (s *Server) ApplyInserts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyInserts = true
}

func (s *Server) Changes() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]map[string]any(nil), s.changes...)
}

func (s *Server) QueryCount() int {
	return int(s.queryCount.Load())
}

func (s *Server) StatusPolls() int {
	return int(s.statusPolls.Load())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.queryCount.Add(1)

	s.mu.Lock()
	delay := s.queryDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	match := queryPattern.FindStringSubmatch(req.Query)
	if match == nil {
		http.Error(w, "unsupported query: "+req.Query, http.StatusBadRequest)
		return
	}
	id := unescape(match[1])
	predicate := match[2]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unauthorized || s.rejected[id] {
		http.Error(w, "token verification failed", http.StatusUnauthorized)
		return
	}

	if remaining := s.failures[id]; remaining > 0 {
		s.failures[id] = remaining - 1
		http.Error(w, "simulated backend failure", http.StatusInternalServerError)
		return
	}

	row := map[string]any{"id": id}

	if set, ok := s.edges[key(id, predicate)]; ok && len(set.values) > 0 {
		nodes := make([]any, 0, len(set.values))
		for _, value := range set.values {
			nodes = append(nodes, map[string]any{"_rawRDF": value})
		}

		if set.single && len(nodes) == 1 {
			row["_object"] = nodes[0]
		} else {
			row["_object"] = nodes
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"Resource": []any{row},
		},
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.changes = append(s.changes, doc)

	if s.changeStatus != http.StatusCreated {
		http.Error(w, "change rejected", s.changeStatus)
		return
	}

	if s.applyInserts {
		s.applyLocked(doc)
	}

	if s.withLocation {
		w.Header().Set("Location", s.URL+strings.TrimSuffix(r.URL.Path, "/changes")+"/changes/status")
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusPolls.Add(1)

	s.mu.Lock()
	doc := s.statusDoc
	code := s.statusHTTPCode
	s.mu.Unlock()

	if doc == nil {
		http.Error(w, "not found", code)
		return
	}

	writeJSON(w, code, doc)
}

// applyLocked mutates the stored graph from a change document: deletes
// remove matching edge values, inserts register every subject's
// predicates as queryable edges.
func (s *Server) applyLocked(doc map[string]any) {
	if deletes, ok := doc["kss:delete"].([]any); ok {
		for _, raw := range deletes {
			triple, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := triple["@id"].(string)

			for predicate, object := range triple {
				if strings.HasPrefix(predicate, "@") {
					continue
				}
				s.deleteEdgeLocked(id, predicate, object)
			}
		}
	}

	inserts, ok := doc["kss:insert"].([]any)
	if !ok {
		return
	}

	for _, raw := range inserts {
		subject, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := subject["@id"].(string)

		for predicate, object := range subject {
			if strings.HasPrefix(predicate, "@") || predicate == "so:name" || predicate == "so:dateModified" {
				continue
			}

			switch value := object.(type) {
			case []any:
				values := make([]any, 0, len(value))
				for _, v := range value {
					values = append(values, v)
				}
				s.edges[key(id, predicate)] = edgeSet{values: values}
			case string:
				s.edges[key(id, predicate)] = edgeSet{values: []any{map[string]any{"@value": value}}}
			case map[string]any:
				s.edges[key(id, predicate)] = edgeSet{values: []any{value}}
			}
		}
	}
}

func (s *Server) deleteEdgeLocked(id, predicate string, object any) {
	ref, ok := object.(map[string]any)
	if !ok {
		return
	}
	refID, _ := ref["@id"].(string)

	// Canonical comparison: the stored edge and the delete triple may use
	// different surface forms of the same identifier.
	canonical := expand(refID)

	for k, set := range s.edges {
		parts := strings.SplitN(k, "|", 2)
		if expand(parts[0]) != expand(id) || parts[1] != predicate {
			continue
		}

		var kept []any
		for _, value := range set.values {
			node, ok := value.(map[string]any)
			if ok {
				if nodeID, _ := node["@id"].(string); expand(nodeID) == canonical {
					continue
				}
			}
			kept = append(kept, value)
		}
		s.edges[k] = edgeSet{values: kept, single: set.single}
	}
}

func expand(id string) string {
	if strings.HasPrefix(id, "tabulas:") {
		return "https://tabulas.eu/vocab#" + strings.TrimPrefix(id, "tabulas:")
	}
	return id
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("kvasirtest: marshal response: %v", err))
	}
	_, _ = w.Write(data)
}
