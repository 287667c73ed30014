package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"sidequest/internal/httputil"
)

// createGitHubPR creates a pull request and returns its HTML URL. A 422
// usually means a PR already exists for the branch; it is looked up and
// returned instead of failing.
func createGitHubPR(ctx context.Context, token, owner, repo string, pr PRContext, base string) (string, error) {
	payload := map[string]any{
		"title": pr.Title,
		"head":  pr.Branch,
		"base":  base,
		"body":  pr.Body,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal PR payload: %w", err)
	}

	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls", owner, repo)

	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		setGitHubHeaders(req, token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, httputil.DefaultRetryConfig())
	if err != nil {
		return "", fmt.Errorf("github create PR: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnprocessableEntity {
		if existing, err := findGitHubPR(ctx, token, owner, repo, pr.Branch); err == nil && existing != "" {
			return existing, nil
		}
		return "", githubError("create PR", resp.StatusCode, respBody)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", githubError("create PR", resp.StatusCode, respBody)
	}

	var result struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode PR response: %w", err)
	}

	if len(pr.Labels) > 0 {
		// Labels are decoration; the PR exists even when labelling fails.
		_ = addGitHubLabels(ctx, token, owner, repo, result.Number, pr.Labels)
	}
	return result.HTMLURL, nil
}

// findGitHubPR looks up an existing open PR for the head branch.
func findGitHubPR(ctx context.Context, token, owner, repo, head string) (string, error) {
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls?head=%s&state=open",
		owner, repo, url.QueryEscape(owner+":"+head))

	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
		if err != nil {
			return nil, err
		}
		setGitHubHeaders(req, token)
		return req, nil
	}, httputil.DefaultRetryConfig())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", githubError("list PRs", resp.StatusCode, body)
	}

	var prs []struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &prs); err != nil {
		return "", err
	}
	if len(prs) > 0 {
		return prs[0].HTMLURL, nil
	}
	return "", nil
}

func addGitHubLabels(ctx context.Context, token, owner, repo string, number int, labels []string) error {
	buf, err := json.Marshal(map[string]any{"labels": labels})
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/issues/%d/labels", owner, repo, number)

	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		setGitHubHeaders(req, token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, httputil.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("github add labels: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return githubError("add labels", resp.StatusCode, body)
	}
	return nil
}

func setGitHubHeaders(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
}

func githubError(op string, status int, body []byte) error {
	msg := string(body)
	if len(msg) > 4096 {
		msg = msg[:4096]
	}
	return fmt.Errorf("github %s: HTTP %d: %s", op, status, redactSensitiveText(msg, nil))
}

// parseGitHubRemote extracts owner and repo from an origin URL, accepting
// https://github.com/owner/repo(.git) and git@github.com:owner/repo(.git).
func parseGitHubRemote(remote string) (owner, repo string, err error) {
	remote = strings.TrimSpace(remote)
	var path string
	switch {
	case strings.HasPrefix(remote, "git@"):
		_, after, ok := strings.Cut(remote, ":")
		if !ok {
			return "", "", fmt.Errorf("unrecognized remote %q", remote)
		}
		path = after
	case strings.HasPrefix(remote, "https://"), strings.HasPrefix(remote, "http://"):
		u, perr := url.Parse(remote)
		if perr != nil {
			return "", "", fmt.Errorf("parse remote: %w", perr)
		}
		path = strings.TrimPrefix(u.Path, "/")
	default:
		return "", "", fmt.Errorf("unrecognized remote %q", remote)
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from %q", remote)
	}
	return parts[0], parts[1], nil
}
