package extract

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"southwinds.dev/secevents"
)

const insertionTimestampTerm = "insertionTimestamp"

type filter struct {
	Operator string `json:"operator"`
	Term     string `json:"term"`
	Value    string `json:"value"`
}

type filterGroup struct {
	Filters      []filter `json:"filters"`
	FilterClause string   `json:"filterClause"`
}

type searchQuery struct {
	Groups      []filterGroup `json:"groups"`
	GroupClause string        `json:"groupClause"`
	PgNum       int           `json:"pgNum"`
	PgSize      int           `json:"pgSize"`
	PgToken     string        `json:"pgToken"`
	SrtDir      string        `json:"srtDir"`
	SrtKey      string        `json:"srtKey"`
}

type searchResponse struct {
	FileEvents  []json.RawMessage `json:"fileEvents"`
	TotalCount  int               `json:"totalCount"`
	NextPgToken string            `json:"nextPgToken"`
	Problems    []struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"problems"`
}

type eventTimestamps struct {
	InsertionTimestamp time.Time `json:"insertionTimestamp"`
}

// buildQuery turns q into a search request. The insertion window is one AND
// group; exposure filters are an OR group so any listed exposure matches.
func buildQuery(q secevents.Query, pgToken string) searchQuery {
	window := filterGroup{
		FilterClause: "AND",
		Filters: []filter{{
			Operator: "ON_OR_AFTER",
			Term:     insertionTimestampTerm,
			Value:    q.Begin.UTC().Format(time.RFC3339Nano),
		}},
	}
	if !q.End.IsZero() {
		window.Filters = append(window.Filters, filter{
			Operator: "ON_OR_BEFORE",
			Term:     insertionTimestampTerm,
			Value:    q.End.UTC().Format(time.RFC3339Nano),
		})
	}

	groups := []filterGroup{window}
	if len(q.ExposureTypes) > 0 {
		groups = append(groups, filterGroup{
			FilterClause: "OR",
			Filters: lo.Map(lo.Uniq(q.ExposureTypes), func(et secevents.ExposureType, _ int) filter {
				return filter{Operator: "IS", Term: "exposure", Value: string(et)}
			}),
		})
	}

	return searchQuery{
		Groups:      groups,
		GroupClause: "AND",
		PgNum:       1,
		PgSize:      q.PageSize,
		PgToken:     pgToken,
		SrtDir:      "asc",
		SrtKey:      insertionTimestampTerm,
	}
}

// parsePage splits a search response into events and finds the newest insertion timestamp
func parsePage(seq int, body []byte) (secevents.Page, string, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return secevents.Page{}, "", fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(resp.Problems) > 0 {
		return secevents.Page{}, "", fmt.Errorf("search rejected: %s: %s", resp.Problems[0].Type, resp.Problems[0].Description)
	}

	page := secevents.Page{
		Seq:    seq,
		Body:   body,
		Events: make([][]byte, 0, len(resp.FileEvents)),
	}
	for i, raw := range resp.FileEvents {
		var ts eventTimestamps
		if err := json.Unmarshal(raw, &ts); err != nil {
			return secevents.Page{}, "", fmt.Errorf("event %d of page %d: %w", i, seq, err)
		}
		if ts.InsertionTimestamp.After(page.MaxInsertionTimestamp) {
			page.MaxInsertionTimestamp = ts.InsertionTimestamp
		}
		page.Events = append(page.Events, raw)
	}
	return page, resp.NextPgToken, nil
}
