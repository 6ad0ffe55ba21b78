package github

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v62/github"
)

const DefaultAPIURL = "https://api.github.com/"

// NewClient returns a token authenticated client for apiURL.
func NewClient(token, apiURL string) (*github.Client, error) {
	client := github.NewClient(nil).WithAuthToken(token)
	if apiURL == "" || apiURL == DefaultAPIURL {
		return client, nil
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse github api url %s", apiURL)
	}
	client.BaseURL = u
	return client, nil
}

// splitRepository splits owner/repo.
func splitRepository(full string) (string, string, error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", errors.Newf("repository %q is not in owner/repo form", full)
	}
	return owner, repo, nil
}
