package collector

import (
	"fmt"
	"io/ioutil"
	"regexp"

	"sigs.k8s.io/yaml"

	"github.com/operator-framework/usage-metering/pkg/transform"
)

// Config is the process wide meter mapping, loaded once at startup.
type Config struct {
	Meters []MeterMapping `json:"meters"`
	// TrustedSources are regular expressions matched against a sample's
	// source. When empty every source is trusted.
	TrustedSources []string `json:"trusted_sources,omitempty"`
	TrackedStates  []string `json:"tracked_states,omitempty"`
	KnownStates    []string `json:"known_states,omitempty"`
	// Flavors maps flavor ids to flavor names.
	Flavors map[string]string `json:"flavors,omitempty"`
	// VolumeTypes maps volume types to the service billed for them.
	VolumeTypes map[string]string `json:"volume_types,omitempty"`
	// Projects are collected even if the store has never seen them.
	Projects []ProjectRef `json:"projects,omitempty"`
}

type MeterMapping struct {
	Meter       string `json:"meter"`
	Service     string `json:"service"`
	Type        string `json:"type"`
	Transformer string `json:"transformer"`
	Unit        string `json:"unit"`
	// Metadata lists the fields extracted from the latest sample of a
	// resource into the resource's metadata.
	Metadata []MetadataRule `json:"metadata,omitempty"`
	// ResIDTemplate, when set, derives the resource id from the sample. The
	// rendered key is hashed, which suits composite keys such as container
	// paths.
	ResIDTemplate string            `json:"res_id_template,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

type MetadataRule struct {
	Name string `json:"name"`
	// Sources are sample metadata keys, the first one present wins.
	Sources []string `json:"sources,omitempty"`
	// Template builds the value instead, from .ResourceID, .Value and
	// .Metadata (the sample's labels).
	Template string `json:"template,omitempty"`
}

// ProjectRef identifies a project to collect.
type ProjectRef struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read meter config %s: %v", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML or JSON meter mapping and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode meter config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every mapping against the transformer registry and
// compiles all templates and patterns, so that a bad config fails at startup
// rather than mid cycle.
func (cfg *Config) Validate() error {
	for _, pattern := range cfg.TrustedSources {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid trusted source %q: %v", pattern, err)
		}
	}
	seen := make(map[string]bool)
	for i, m := range cfg.Meters {
		switch {
		case m.Meter == "":
			return fmt.Errorf("meters[%d]: meter must be set", i)
		case m.Service == "":
			return fmt.Errorf("meters[%d] %s: service must be set", i, m.Meter)
		case m.Unit == "":
			return fmt.Errorf("meters[%d] %s: unit must be set", i, m.Meter)
		case m.Transformer == "":
			return fmt.Errorf("meters[%d] %s: transformer must be set", i, m.Meter)
		}
		if seen[m.Meter+"/"+m.Service] {
			return fmt.Errorf("meters[%d]: duplicate mapping of meter %s to service %s", i, m.Meter, m.Service)
		}
		seen[m.Meter+"/"+m.Service] = true

		if _, err := transform.New(m.Transformer, transform.Config{Options: m.Options}); err != nil {
			return fmt.Errorf("meters[%d] %s: %v", i, m.Meter, err)
		}
		if m.ResIDTemplate != "" {
			if _, err := newTemplate("res_id_template", m.ResIDTemplate); err != nil {
				return fmt.Errorf("meters[%d] %s: %v", i, m.Meter, err)
			}
		}
		for _, rule := range m.Metadata {
			if rule.Name == "" {
				return fmt.Errorf("meters[%d] %s: metadata rule without a name", i, m.Meter)
			}
			if rule.Template == "" {
				continue
			}
			if _, err := newTemplate(rule.Name, rule.Template); err != nil {
				return fmt.Errorf("meters[%d] %s: %v", i, m.Meter, err)
			}
		}
	}
	for i, p := range cfg.Projects {
		if p.ID == "" {
			return fmt.Errorf("projects[%d]: id must be set", i)
		}
	}
	return nil
}
