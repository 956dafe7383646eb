package infra

import (
	"context"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

// CustomURLSource implements domain.UpdateSource for a fixed artifact URL.
// The version is read from the artifact file name.
type CustomURLSource struct {
	url string
}

// NewCustomURLSource creates a source that always offers url.
func NewCustomURLSource(url string) *CustomURLSource {
	return &CustomURLSource{url: url}
}

// Name identifies the source in logs.
func (s *CustomURLSource) Name() string {
	return "custom-url"
}

// Latest describes the configured artifact without any network access.
func (s *CustomURLSource) Latest(_ context.Context) (*domain.UpdateDescriptor, error) {
	fileName := FileNameFromURL(s.url)
	if fileName == "" {
		return nil, domain.Errorf(domain.KindNotFound, "custom url", "cannot derive a file name from %q", s.url)
	}
	return &domain.UpdateDescriptor{
		Version:  domain.ParseArtifactName(fileName).Version,
		URL:      s.url,
		FileName: fileName,
	}, nil
}

var _ domain.UpdateSource = (*CustomURLSource)(nil)
