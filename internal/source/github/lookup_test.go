package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/pcbsearch/partcrawl/internal/testutil"
	"github.com/pcbsearch/partcrawl/pkg/client"
	"github.com/pcbsearch/partcrawl/pkg/ratelimit"
	"github.com/rs/zerolog"
)

func newTestLookups(t *testing.T) (*Lookups, *testutil.MockAPI) {
	t.Helper()

	clock := testutil.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	governor := ratelimit.NewGovernor(ratelimit.DefaultConfig(), clock, zerolog.Nop())
	abuse := ratelimit.NewAbuseBackoff(0, nil, clock, zerolog.Nop())
	mock := testutil.NewMockAPI()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig(governor, abuse, "partcrawl-test/1.0")
	cfg.Clock = clock
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return NewLookups(c, NewURLs(mock.URL(), 2), NewSearchDecoder(0)), mock
}

func TestLookups_DesignFiles(t *testing.T) {
	lookups, mock := newTestLookups(t)

	mock.SetHandler("/search/code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			next := fmt.Sprintf("%s/search/code?page=2&per_page=2&q=x", mock.URL())
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
			fmt.Fprint(w, `{"total_count":3,"items":[
				{"name":"main.kicad_pcb","html_url":"https://github.com/octo/board/blob/abc/main.kicad_pcb"},
				{"name":"main.kicad_pcb-bak","html_url":"https://github.com/octo/board/blob/abc/main.kicad_pcb-bak"}
			]}`)
		default:
			fmt.Fprint(w, `{"total_count":3,"items":[
				{"name":"sub.kicad_pcb","html_url":"https://github.com/octo/board/blob/abc/hw/sub.kicad_pcb"}
			]}`)
		}
	})

	files, err := lookups.DesignFiles(context.Background(), "octo/board")
	if err != nil {
		t.Fatalf("DesignFiles() error = %v", err)
	}

	want := []string{
		"https://raw.githubusercontent.com/octo/board/abc/main.kicad_pcb",
		"https://raw.githubusercontent.com/octo/board/abc/hw/sub.kicad_pcb",
	}
	if len(files) != len(want) {
		t.Fatalf("DesignFiles() = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
	if mock.RequestCount() != 2 {
		t.Errorf("RequestCount() = %d, want 2", mock.RequestCount())
	}
}

func TestLookups_DesignFilesError(t *testing.T) {
	lookups, mock := newTestLookups(t)
	mock.SetResponse("/search/code", testutil.MockResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body:       `{"message":"Validation Failed"}`,
	})

	_, err := lookups.DesignFiles(context.Background(), "octo/board")
	if err == nil {
		t.Fatal("DesignFiles() expected error, got nil")
	}
}

func TestLookups_Content(t *testing.T) {
	lookups, mock := newTestLookups(t)

	encoded := base64.StdEncoding.EncodeToString([]byte("MIT License\n\nCopyright (c) octo"))
	wrapped := encoded[:20] + "\n" + encoded[20:]
	mock.SetResponse("/repos/octo/board/license", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body: fmt.Sprintf(`{"content":%q,"encoding":"base64","download_url":"https://raw.githubusercontent.com/octo/board/main/LICENSE"}`,
			wrapped),
	})

	license, err := lookups.License(context.Background(), "octo/board")
	if err != nil {
		t.Fatalf("License() error = %v", err)
	}
	if license.Text != "MIT License\n\nCopyright (c) octo" {
		t.Errorf("License().Text = %q", license.Text)
	}
	if license.URL != "https://raw.githubusercontent.com/octo/board/main/LICENSE" {
		t.Errorf("License().URL = %q", license.URL)
	}

	// No readme route is registered: the mock answers 404.
	readme, err := lookups.Readme(context.Background(), "octo/board")
	if err != nil {
		t.Fatalf("Readme() error = %v", err)
	}
	if readme.Text != ReadmePlaceholder || readme.URL != "" {
		t.Errorf("Readme() = %+v, want placeholder", readme)
	}
}

func TestLookups_ContentErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"content":`},
		{name: "invalid base64", body: `{"content":"!!!","encoding":"base64"}`},
		{name: "unknown encoding", body: `{"content":"x","encoding":"rot13"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookups, mock := newTestLookups(t)
			mock.SetResponse("/repos/octo/board/license", testutil.MockResponse{StatusCode: http.StatusOK, Body: tt.body})

			content, err := lookups.License(context.Background(), "octo/board")
			if err == nil {
				t.Error("License() expected error, got nil")
			}
			if content.Text != LicensePlaceholder {
				t.Errorf("License().Text = %q, want placeholder", content.Text)
			}
		})
	}
}
