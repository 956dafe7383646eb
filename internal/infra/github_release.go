package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const (
	githubAPIBase    = "https://api.github.com"
	githubAPITimeout = 30 * time.Second
	wheelExtension   = ".whl"
)

// GitHubRelease represents a GitHub release response.
type GitHubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []GitHubAsset `json:"assets"`
}

// GitHubAsset represents a release asset.
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHubReleaseSource implements domain.UpdateSource from the latest
// release of an "owner/repo" GitHub repository.
type GitHubReleaseSource struct {
	client *resty.Client
	repo   string
}

// NewGitHubReleaseSource creates a source for repo ("owner/name").
func NewGitHubReleaseSource(repo string) *GitHubReleaseSource {
	return NewGitHubReleaseSourceWithClient(resty.New().SetBaseURL(githubAPIBase), repo)
}

// NewGitHubReleaseSourceWithClient creates a source with an injected client (for testing).
func NewGitHubReleaseSourceWithClient(client *resty.Client, repo string) *GitHubReleaseSource {
	client.
		SetHeader("Accept", "application/vnd.github.v3+json").
		SetHeader("User-Agent", "whimbox-launcher")
	return &GitHubReleaseSource{client: client, repo: repo}
}

// Name identifies the source in logs.
func (s *GitHubReleaseSource) Name() string {
	return "github:" + s.repo
}

// LatestRelease fetches the latest release metadata.
func (s *GitHubReleaseSource) LatestRelease(ctx context.Context) (*GitHubRelease, error) {
	const op = "fetch latest release"
	if strings.Count(s.repo, "/") != 1 {
		return nil, domain.Errorf(domain.KindNotFound, op, "invalid repository %q, want owner/name", s.repo)
	}

	ctx, cancel := context.WithTimeout(ctx, githubAPITimeout)
	defer cancel()

	var release GitHubRelease
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&release).
		Get(fmt.Sprintf("/repos/%s/releases/latest", s.repo))
	if err != nil {
		return nil, domain.E(domain.KindOf(classifyTransportError(err, false, 0)), op, err)
	}
	if err := statusError(resp.StatusCode(), s.repo+" latest release"); err != nil {
		return nil, domain.E(domain.KindOf(err), op, err)
	}
	return &release, nil
}

// Latest returns the first wheel asset of the latest release.
func (s *GitHubReleaseSource) Latest(ctx context.Context) (*domain.UpdateDescriptor, error) {
	release, err := s.LatestRelease(ctx)
	if err != nil {
		return nil, err
	}
	for _, asset := range release.Assets {
		if strings.HasSuffix(strings.ToLower(asset.Name), wheelExtension) {
			return &domain.UpdateDescriptor{
				Version:  strings.TrimPrefix(release.TagName, "v"),
				URL:      asset.BrowserDownloadURL,
				FileName: asset.Name,
			}, nil
		}
	}
	return nil, domain.Errorf(domain.KindNotFound, "fetch latest release",
		"release %s of %s has no %s asset", release.TagName, s.repo, wheelExtension)
}

var _ domain.UpdateSource = (*GitHubReleaseSource)(nil)
