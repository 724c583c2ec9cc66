package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rule_worker/core/domain"
	"rule_worker/pkg/apperr"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// LoadDocument reads a rule document from path. Files ending in .yaml or .yml
// are decoded as YAML, everything else as JSON. The document is validated
// before it is returned.
func LoadDocument(path string) (*domain.RuleDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfigError, fmt.Sprintf("read rule document %s", path))
	}
	return ParseDocument(data, filepath.Ext(path))
}

// ParseDocument decodes a rule document. ext selects the format the same way
// LoadDocument does.
func ParseDocument(data []byte, ext string) (*domain.RuleDocument, error) {
	var doc domain.RuleDocument

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeConfigError, "decode YAML rule document")
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeConfigError, "decode JSON rule document")
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
