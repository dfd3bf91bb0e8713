package search

// Result is a single bookmark search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	MessageID    string `json:"messageId"`
	EnglishText  string `json:"englishText"`
	JapaneseText string `json:"japaneseText"`
	Note         string `json:"note,omitempty"`
	Snippet      string `json:"snippet"`
}

// Query describes a bookmark search request. ProfileID is always required;
// bookmarks are never visible across profiles.
type Query struct {
	Text      string
	ProfileID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over bookmarks.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push bookmarks into a search index.
type Indexer interface {
	IndexBookmark(b BookmarkRecord) error
	DeleteBookmark(id string) error
}

// BookmarkRecord is the data we index for a bookmark.
type BookmarkRecord struct {
	ID           string `json:"id"`
	ProfileID    string `json:"profileId"`
	MessageID    string `json:"messageId"`
	EnglishText  string `json:"englishText"`
	JapaneseText string `json:"japaneseText"`
	Note         string `json:"note"`
}
