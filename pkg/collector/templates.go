package collector

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig"

	"github.com/operator-framework/usage-metering/pkg/metersource"
)

func newTemplate(name, text string) (*template.Template, error) {
	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s template: %v", name, err)
	}
	return tpl, nil
}

type sampleTemplateData struct {
	ResourceID string
	Source     string
	Value      string
	Metadata   map[string]string
}

func renderTemplate(tpl *template.Template, data sampleTemplateData) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("error rendering %s template: %v", tpl.Name(), err)
	}
	return buf.String(), nil
}

type compiledRule struct {
	MetadataRule
	tpl *template.Template
}

// resourceID derives the id a sample is grouped and stored under.
func (m *meter) resourceID(s metersource.Sample) (string, error) {
	if m.resIDTpl == nil {
		return s.ResourceID, nil
	}
	key, err := renderTemplate(m.resIDTpl, sampleTemplateData{
		ResourceID: s.ResourceID,
		Source:     s.Source,
		Metadata:   s.Metadata,
	})
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// extractMetadata applies the mapping's metadata rules to a sample. Rules
// that find nothing are left out so a later, richer sample can fill them.
func (m *meter) extractMetadata(resourceID string, s metersource.Sample) (map[string]string, error) {
	metadata := make(map[string]string, len(m.rules))
	for _, rule := range m.rules {
		var value string
		found := false
		for _, key := range rule.Sources {
			if v, ok := s.Metadata[key]; ok {
				value, found = v, true
				break
			}
		}
		if rule.tpl != nil {
			rendered, err := renderTemplate(rule.tpl, sampleTemplateData{
				ResourceID: resourceID,
				Source:     s.Source,
				Value:      value,
				Metadata:   s.Metadata,
			})
			if err != nil {
				return nil, err
			}
			value, found = rendered, rendered != ""
		}
		if found {
			metadata[rule.Name] = value
		}
	}
	return metadata, nil
}
