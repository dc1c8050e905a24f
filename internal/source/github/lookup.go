package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Placeholder texts stored when a secondary lookup yields nothing.
const (
	LicensePlaceholder = "Could not find license.md in repository, please check for the license " +
		"before using the contents of this repository for your project!"
	ReadmePlaceholder = "Could not find readme in repository"
)

// DesignFileSuffix identifies board files.
const DesignFileSuffix = ".kicad_pcb"

// Getter performs governed GETs, optionally through the lookup cache.
// *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, url string) (*client.Response, error)
	GetCached(ctx context.Context, url string) (*client.Response, error)
}

// Content is a decoded license or readme.
type Content struct {
	Text string
	URL  string
}

// Lookups performs the per-repository secondary requests.
type Lookups struct {
	getter  Getter
	urls    URLs
	decoder SearchDecoder
	logger  zerolog.Logger
}

// NewLookups creates the secondary lookup helper.
func NewLookups(getter Getter, urls URLs, decoder SearchDecoder) *Lookups {
	return &Lookups{
		getter:  getter,
		urls:    urls,
		decoder: decoder,
		logger:  log.With().Str("component", "github-lookups").Logger(),
	}
}

// cachedGetter routes pagination through the lookup cache.
type cachedGetter struct {
	getter Getter
}

func (g cachedGetter) Get(ctx context.Context, url string) (*client.Response, error) {
	return g.getter.GetCached(ctx, url)
}

// DesignFiles returns the raw download URLs of all board files in a
// repository, in search order.
func (l *Lookups) DesignFiles(ctx context.Context, fullName string) ([]string, error) {
	fetcher := pagination.NewFetcher(cachedGetter{l.getter}, l.decoder)
	it := fetcher.Iterate(l.urls.SearchDesignFiles(fullName), nil)

	var files []string
	for {
		page, err := it.Next(ctx)
		if errors.Is(err, pagination.ErrDone) {
			return files, nil
		}
		if err != nil {
			return files, err
		}

		for _, raw := range page.Items {
			var res codeResult
			if err := json.Unmarshal(raw, &res); err != nil {
				l.logger.Warn().Err(err).Str("repo", fullName).Msg("Skipping undecodable code search result")
				continue
			}
			download := RawURL(res.HTMLURL)
			if strings.HasSuffix(download, DesignFileSuffix) {
				files = append(files, download)
			}
		}
	}
}

// License fetches the detected license of a repository. A missing license
// yields the placeholder text without an error.
func (l *Lookups) License(ctx context.Context, fullName string) (Content, error) {
	return l.content(ctx, l.urls.License(fullName), LicensePlaceholder)
}

// Readme fetches the preferred readme of a repository. A missing readme
// yields the placeholder text without an error.
func (l *Lookups) Readme(ctx context.Context, fullName string) (Content, error) {
	return l.content(ctx, l.urls.Readme(fullName), ReadmePlaceholder)
}

func (l *Lookups) content(ctx context.Context, url, placeholder string) (Content, error) {
	resp, err := l.getter.GetCached(ctx, url)
	if client.IsNotFound(err) {
		return Content{Text: placeholder}, nil
	}
	if err != nil {
		return Content{Text: placeholder}, err
	}

	var body contentResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return Content{Text: placeholder}, fmt.Errorf("unmarshal content %s: %w", url, err)
	}

	text, err := decodeContent(body)
	if err != nil {
		return Content{Text: placeholder}, fmt.Errorf("decode content %s: %w", url, err)
	}
	return Content{Text: text, URL: body.DownloadURL}, nil
}

// decodeContent decodes the contents API payload. Base64 content is wrapped
// at 60 columns by the API.
func decodeContent(body contentResponse) (string, error) {
	switch body.Encoding {
	case "base64":
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case "", "utf-8":
		return body.Content, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", body.Encoding)
	}
}
