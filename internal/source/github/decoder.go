package github

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
)

// searchResponse is the envelope shared by the search endpoints.
type searchResponse struct {
	TotalCount        int               `json:"total_count"`
	IncompleteResults bool              `json:"incomplete_results"`
	Items             []json.RawMessage `json:"items"`
}

// SearchDecoder decodes search result pages. The offset is derived from the
// page and per_page query parameters of the fetched URL; the next page comes
// from the Link header. Links beyond ResultCap are dropped because the API
// refuses to enumerate past it.
type SearchDecoder struct {
	ResultCap int
}

// NewSearchDecoder creates a decoder. Zero cap selects DefaultResultCap.
func NewSearchDecoder(resultCap int) SearchDecoder {
	if resultCap <= 0 {
		resultCap = DefaultResultCap
	}
	return SearchDecoder{ResultCap: resultCap}
}

// Decode implements pagination.Decoder.
func (d SearchDecoder) Decode(resp *client.Response) (*pagination.Page, error) {
	var body searchResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("unmarshal search response: %w", err)
	}

	page, perPage, err := pageParams(resp.URL)
	if err != nil {
		return nil, err
	}

	next := nextLink(resp.Header.Get("Link"))
	if next != "" {
		nextPage, nextPerPage, err := pageParams(next)
		if err != nil || (nextPage-1)*nextPerPage >= d.ResultCap {
			next = ""
		}
	}

	return &pagination.Page{
		Cursor: pagination.Cursor{
			NextURL: next,
			Offset:  (page - 1) * perPage,
			Total:   body.TotalCount,
			Limit:   perPage,
		},
		Items: body.Items,
	}, nil
}

// pageParams reads page (default 1) and per_page (default 30, the API
// default) from a URL.
func pageParams(rawURL string) (page, perPage int, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, fmt.Errorf("parse page url: %w", err)
	}
	q := u.Query()

	page, perPage = 1, 30
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("invalid page parameter %q", v)
		}
	}
	if v := q.Get("per_page"); v != "" {
		if perPage, err = strconv.Atoi(v); err != nil || perPage < 1 {
			return 0, 0, fmt.Errorf("invalid per_page parameter %q", v)
		}
	}
	return page, perPage, nil
}

// nextLink extracts the rel="next" target of an RFC 8288 Link header.
func nextLink(header string) string {
	for _, link := range strings.Split(header, ",") {
		segments := strings.Split(link, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if !ok || strings.TrimSpace(key) != "rel" {
				continue
			}
			for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
				if rel == "next" {
					return target[1 : len(target)-1]
				}
			}
		}
	}
	return ""
}
