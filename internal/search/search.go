package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask    ResultType = "task"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request. ProjectIDs is the set of projects the
// caller is a member of; hits outside it are never returned.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	ProjectIDs      []string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexTask(t TaskRecord) error
	IndexMessage(m MessageRecord) error
	DeleteTask(id string) error
	DeleteMessage(id string) error
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectID   string `json:"projectId"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	ProjectID string `json:"projectId"`
	Sender    string `json:"sender"`
}
