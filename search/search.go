// Package search turns free-text queries into index lookups.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/abiiranathan/ocrharvest/database"
	"github.com/bbalet/stopwords"
	"github.com/jdkato/prose/v2"
)

// DefaultPerPage matches the page size of the results view.
const DefaultPerPage = 10

var ErrEmptyQuery = errors.New("empty query")

// Index is the read side of the full-text index.
type Index interface {
	Search(ctx context.Context, match string, page, perPage int) (database.ResultPage, error)
}

// fields that may be addressed directly as field:term.
var fields = []string{"identifier:", "filename:", "title:", "content:"}

// Search runs query against ix and returns the requested page of hits.
func Search(ctx context.Context, ix Index, query string, page, perPage int) (database.ResultPage, error) {
	match, err := BuildQuery(query)
	if err != nil {
		return database.ResultPage{}, err
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	res, err := ix.Search(ctx, match, page, perPage)
	if err != nil {
		return res, fmt.Errorf("search %q: %w", match, err)
	}
	return res, nil
}

// BuildQuery converts free text into an FTS MATCH expression. Stop words
// are dropped and, when the tagger finds any, only nouns, verbs and
// adjectives are kept. Every term is quoted so punctuation cannot change
// the query syntax. Queries using field:term syntax pass through as is.
func BuildQuery(query string) (string, error) {
	const (
		NounSingular        = "NN"
		NounPlural          = "NNS"
		ProperNoun          = "NNP"
		Verb                = "VB"
		VerbSingularPresent = "VBZ"
		Adjective           = "JJ"
	)

	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	if isFieldQuery(query) {
		return query, nil
	}

	// convert pattern to lowercase
	cleaned := strings.ToLower(stopwords.CleanString(query, "en", false))
	tokens := words(cleaned)
	if len(tokens) == 0 {
		// Nothing but stop words; search for them anyway.
		tokens = words(strings.ToLower(query))
	}
	if len(tokens) == 0 {
		return "", ErrEmptyQuery
	}

	queryDoc, err := prose.NewDocument(strings.Join(tokens, " "),
		prose.WithExtraction(false), prose.WithSegmentation(false))
	if err != nil {
		return "", fmt.Errorf("unable to create query document: %w", err)
	}

	var keywords []string
	for _, token := range queryDoc.Tokens() {
		switch token.Tag {
		case NounSingular, NounPlural, ProperNoun, Verb, VerbSingularPresent, Adjective:
			keywords = append(keywords, words(token.Text)...)
		}
	}
	if len(keywords) == 0 {
		keywords = tokens
	}

	quoted := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		quoted = append(quoted, `"`+strings.ReplaceAll(k, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " "), nil
}

// words splits s into runs of letters and digits.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isFieldQuery(q string) bool {
	lower := strings.ToLower(q)
	for _, f := range fields {
		if strings.HasPrefix(lower, f) || strings.Contains(lower, " "+f) {
			return true
		}
	}
	return false
}
