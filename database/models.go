package database

// Entry is one indexed document. Every field is stored and searchable.
type Entry struct {
	ID       string // source document identifier (its input path)
	Filename string // base name of the source document
	Title    string // filename without extension, underscores as spaces
	Content  string // recognized text
}

// Result is a single search hit.
type Result struct {
	ID       string
	Filename string
	Title    string
	Snippet  string // highlighted excerpt of the content
}

// ResultPage is one page of search hits.
type ResultPage struct {
	Results []Result
	Total   int // hits across all pages
	Page    int // 1-based
	PerPage int
}

// Pages returns the number of pages needed for Total hits.
func (p ResultPage) Pages() int {
	if p.PerPage <= 0 {
		return 0
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}
