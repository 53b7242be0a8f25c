package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: scopeResults(nonNil(results), q), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: scopeResults(nonNil(results), q), Total: total, Query: q.Text}
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(t TaskRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTask(t); err != nil {
			log.Printf("search: index task %s: %v", t.ID, err)
		}
	}()
}

// IndexMessage indexes a chat message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(m); err != nil {
			log.Printf("search: index message %s: %v", m.ID, err)
		}
	}()
}

// DeleteTask removes a task from the search index (fire-and-forget).
func (s *Service) DeleteTask(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(id); err != nil {
			log.Printf("search: delete task %s: %v", id, err)
		}
	}()
}

// DeleteMessage removes a chat message from the search index (fire-and-forget).
func (s *Service) DeleteMessage(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(id); err != nil {
			log.Printf("search: delete message %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(tasks []TaskRecord, messages []MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(tasks) > 0 {
		if err := s.meili.IndexTasks(tasks); err != nil {
			log.Printf("search: reindex tasks: %v", err)
		}
	}
	if len(messages) > 0 {
		if err := s.meili.IndexMessages(messages); err != nil {
			log.Printf("search: reindex messages: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	tasks, messages, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(tasks, messages)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// scopeResults drops hits from projects the caller is not a member of.
// The backends already filter; this is the final authorization gate.
func scopeResults(results []Result, q Query) []Result {
	allowed := make(map[string]struct{}, len(q.ProjectIDs))
	for _, id := range q.ProjectIDs {
		allowed[id] = struct{}{}
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if _, ok := allowed[result.ProjectID]; !ok {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
