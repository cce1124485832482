package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mikeboe/deep-search/pkg/research"
)

// LoadSettings returns research settings built from the defaults, overlaid by
// MAX_DEPTH, SEARCH_TIMEOUT, MAX_RESULTS, LANGUAGE and the INCLUDE_* flags,
// then by the YAML file at path when path is not empty. Fields missing from
// the file keep their earlier value. The result is not validated, so callers
// can apply further overrides first.
func LoadSettings(path string) (research.Settings, error) {
	s := research.DefaultSettings()
	s.MaxDepth = getEnvAsInt("MAX_DEPTH", s.MaxDepth)
	s.SearchTimeout = getEnvAsInt("SEARCH_TIMEOUT", s.SearchTimeout)
	s.MaxResults = getEnvAsInt("MAX_RESULTS", s.MaxResults)
	s.Language = getEnv("LANGUAGE", s.Language)
	s.IncludeWebContent = getEnvAsBool("INCLUDE_WEB_CONTENT", s.IncludeWebContent)
	s.IncludeNews = getEnvAsBool("INCLUDE_NEWS", s.IncludeNews)
	s.IncludeDiscussions = getEnvAsBool("INCLUDE_DISCUSSIONS", s.IncludeDiscussions)
	s.IncludeAcademic = getEnvAsBool("INCLUDE_ACADEMIC", s.IncludeAcademic)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("%w: settings file %s: %v", research.ErrInvalidSettings, path, err)
		}
	}

	return s, nil
}
