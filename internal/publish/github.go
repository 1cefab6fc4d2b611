// Copyright 2024 The delta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fengyichui/delta/internal/release"
)

const defaultAPIURL = "https://api.github.com"

// HTTPError is a non-success response from the release host.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed when repeated.
func (e *HTTPError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// GitHub publishes to GitHub Releases through the REST API.
type GitHub struct {
	owner, repo string
	token       string
	apiURL      string
	draft       bool
	httpClient  *http.Client
}

// GitHubOption configures a GitHub sink.
type GitHubOption func(*GitHub)

// WithAPIURL points the sink at a GitHub Enterprise or test server.
func WithAPIURL(u string) GitHubOption {
	return func(g *GitHub) {
		g.apiURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) GitHubOption {
	return func(g *GitHub) {
		g.httpClient = c
	}
}

// WithDraft creates missing releases as drafts.
func WithDraft(draft bool) GitHubOption {
	return func(g *GitHub) {
		g.draft = draft
	}
}

// NewGitHub creates a sink for repository ("owner/name").
func NewGitHub(repository, token string, opts ...GitHubOption) (*GitHub, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid repository %q: want owner/name", repository)
	}
	g := &GitHub{
		owner:  owner,
		repo:   repo,
		token:  token,
		apiURL: defaultAPIURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type ghAsset struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ghRelease struct {
	ID        int64     `json:"id"`
	TagName   string    `json:"tag_name"`
	HTMLURL   string    `json:"html_url"`
	UploadURL string    `json:"upload_url"`
	Assets    []ghAsset `json:"assets"`
}

func (r *ghRelease) release() Release {
	rel := Release{
		ID:  r.ID,
		Tag: r.TagName,
		URL: r.HTMLURL,
		// upload_url is a URI template: ".../assets{?name,label}"
		UploadURL: r.UploadURL[:strings.IndexByte(r.UploadURL+"{", '{')],
		Assets:    make(map[string]int64, len(r.Assets)),
	}
	for _, a := range r.Assets {
		rel.Assets[a.Name] = a.ID
	}
	return rel
}

// EnsureRelease returns the release for tag, creating it when absent.
func (g *GitHub) EnsureRelease(ctx context.Context, tag release.Tag) (Release, error) {
	var r ghRelease
	err := g.do(ctx, http.MethodGet, g.repoURL("releases/tags/"+url.PathEscape(tag.Name)), nil, &r, http.StatusOK)
	if err == nil {
		return r.release(), nil
	}
	if herr, ok := err.(*HTTPError); !ok || herr.StatusCode != http.StatusNotFound {
		return Release{}, err
	}

	body, err := json.Marshal(map[string]any{
		"tag_name": tag.Name,
		"name":     tag.Name,
		"draft":    g.draft,
	})
	if err != nil {
		return Release{}, err
	}
	if err := g.do(ctx, http.MethodPost, g.repoURL("releases"), bytes.NewReader(body), &r, http.StatusCreated); err != nil {
		return Release{}, fmt.Errorf("create release: %w", err)
	}
	return r.release(), nil
}

// Upload uploads the file at path as asset name, replacing an asset of the
// same name. GitHub keeps a placeholder asset after an interrupted upload;
// when the upload collides with one, it is looked up, deleted, and the
// upload is repeated once.
func (g *GitHub) Upload(ctx context.Context, rel Release, name, path string) error {
	if id, ok := rel.Assets[name]; ok {
		if err := g.deleteAsset(ctx, id); err != nil {
			return fmt.Errorf("replace asset %s: %w", name, err)
		}
	}
	uerr := g.uploadFile(ctx, rel, name, path)
	if !assetExists(uerr) {
		return uerr
	}

	var r ghRelease
	if err := g.do(ctx, http.MethodGet, g.repoURL(fmt.Sprintf("releases/%d", rel.ID)), nil, &r, http.StatusOK); err != nil {
		return fmt.Errorf("replace asset %s: %w", name, err)
	}
	id, ok := r.release().Assets[name]
	if !ok {
		return uerr
	}
	if err := g.deleteAsset(ctx, id); err != nil {
		return fmt.Errorf("replace asset %s: %w", name, err)
	}
	return g.uploadFile(ctx, rel, name, path)
}

func (g *GitHub) deleteAsset(ctx context.Context, id int64) error {
	err := g.do(ctx, http.MethodDelete, g.repoURL(fmt.Sprintf("releases/assets/%d", id)), nil, nil, http.StatusNoContent)
	if herr, ok := err.(*HTTPError); ok && herr.StatusCode == http.StatusNotFound {
		return nil // removed by an earlier attempt
	}
	return err
}

func (g *GitHub) uploadFile(ctx context.Context, rel Release, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	if rel.UploadURL == "" {
		return fmt.Errorf("release %s has no upload URL", rel.Tag)
	}
	u := rel.UploadURL + "?" + url.Values{"name": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	return g.send(req, nil, http.StatusCreated)
}

// assetExists reports whether err is GitHub's validation failure for an
// asset name already taken in the release.
func assetExists(err error) bool {
	herr, ok := err.(*HTTPError)
	return ok && herr.StatusCode == http.StatusUnprocessableEntity && strings.Contains(herr.Body, "already_exists")
}

func (g *GitHub) repoURL(p string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s", g.apiURL, g.owner, g.repo, p)
}

func (g *GitHub) do(ctx context.Context, method, u string, body io.Reader, out any, want int) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.send(req, out, want)
}

func (g *GitHub) send(req *http.Request, out any, want int) error {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return &HTTPError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
