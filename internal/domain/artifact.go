package domain

import (
	"path/filepath"
	"strings"
)

// UnknownIdentifier is the placeholder recorded for names and versions
// that could not be read from an artifact file name.
const UnknownIdentifier = "unknown"

// minArtifactFields is the field count of
// {name}-{version}(-{build})?-{lang}-{abi}-{platform}.{ext}
// without the optional build tag.
const minArtifactFields = 5

// ArtifactName is the (package, version) pair encoded in an artifact file
// name. Parsed is false when the name did not follow the scheme; Name and
// Version then hold UnknownIdentifier.
type ArtifactName struct {
	Name    string
	Version string
	Parsed  bool
}

// ParseArtifactName reads the first two hyphen-delimited fields of an
// artifact file name. It never fails: malformed names yield the unparsed
// variant.
func ParseArtifactName(fileName string) ArtifactName {
	parts := strings.Split(filepath.Base(fileName), "-")
	if len(parts) < minArtifactFields || parts[0] == "" || parts[1] == "" {
		return ArtifactName{Name: UnknownIdentifier, Version: UnknownIdentifier}
	}
	return ArtifactName{Name: parts[0], Version: parts[1], Parsed: true}
}

// EntryPoint is the console entry point the package installs.
func (a ArtifactName) EntryPoint() string {
	return strings.ReplaceAll(a.Name, "-", "_")
}

func (a ArtifactName) String() string {
	return a.Name + "-" + a.Version
}
