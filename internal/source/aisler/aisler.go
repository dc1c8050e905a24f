// Package aisler decodes the AISLER parts catalog API, a JSON:API document
// paged by offset with a links.next pointer.
package aisler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pcbsearch/partcrawl/internal/store"
	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
)

// Request headers carrying the API credentials.
const (
	HeaderClientID      = "Client-ID"
	HeaderAuthorization = "Authorization"
)

// ErrMissingMeta is returned for a page without offset metadata.
var ErrMissingMeta = errors.New("response has no meta object")

// AuthHeader returns the credential headers for every catalog request.
func AuthHeader(clientID, authorization string) http.Header {
	h := http.Header{}
	if clientID != "" {
		h.Set(HeaderClientID, clientID)
	}
	if authorization != "" {
		h.Set(HeaderAuthorization, authorization)
	}
	return h
}

type document struct {
	Data  []json.RawMessage `json:"data"`
	Meta  *meta             `json:"meta"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

type meta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Decoder implements pagination.Decoder for parts pages.
type Decoder struct{}

// Decode implements pagination.Decoder. A null or absent links.next ends the
// iteration.
func (Decoder) Decode(resp *client.Response) (*pagination.Page, error) {
	var doc document
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal parts page: %w", err)
	}
	if doc.Meta == nil {
		return nil, ErrMissingMeta
	}

	page := &pagination.Page{
		Cursor: pagination.Cursor{
			Offset: doc.Meta.Offset,
			Total:  doc.Meta.Total,
			Limit:  doc.Meta.Limit,
		},
		Items: doc.Data,
	}
	if doc.Links.Next != nil {
		page.Cursor.NextURL = *doc.Links.Next
	}
	return page, nil
}

type resource struct {
	ID         json.RawMessage `json:"id"`
	Attributes struct {
		MPN          *string `json:"mpn"`
		Manufacturer *string `json:"manufacturer"`
		Datasheet    *string `json:"datasheet"`
		Description  *string `json:"description"`
	} `json:"attributes"`
}

// ParsePart maps one JSON:API resource to a catalog part. The id may be a
// string or a number.
func ParsePart(raw json.RawMessage) (*store.Part, error) {
	var res resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal part: %w", err)
	}

	id := strings.Trim(strings.TrimSpace(string(res.ID)), `"`)
	if id == "" || id == "null" {
		return nil, fmt.Errorf("part has no id")
	}

	return &store.Part{
		CatalogID:    id,
		MPN:          deref(res.Attributes.MPN),
		Manufacturer: deref(res.Attributes.Manufacturer),
		Datasheet:    deref(res.Attributes.Datasheet),
		Description:  deref(res.Attributes.Description),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
