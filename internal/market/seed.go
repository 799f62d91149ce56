package market

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// seedFile is the on-disk shape of a sources seed file.
type seedFile struct {
	Sources []seedSource `yaml:"sources"`
}

type seedSource struct {
	Name    string              `yaml:"name"`
	URL     string              `yaml:"url"`
	Kind    string              `yaml:"kind"`
	Region  string              `yaml:"region"`
	Enabled *bool               `yaml:"enabled"`
	Mapping *model.FieldMapping `yaml:"mapping"`
}

// LoadSeedFile parses a YAML seed file into sources ready for registration.
// Sources default to enabled; a structured-api source must carry a mapping.
func LoadSeedFile(path string) ([]model.Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "market: reading seed file %s", path)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "market: parsing seed file %s", path)
	}

	sources := make([]model.Source, 0, len(f.Sources))
	for i, s := range f.Sources {
		if s.Name == "" || s.URL == "" {
			return nil, eris.Errorf("market: seed source %d missing name or url", i)
		}
		kind, err := model.ParseSourceKind(s.Kind)
		if err != nil {
			return nil, eris.Wrapf(err, "market: seed source %q", s.Name)
		}
		if kind == model.KindStructuredAPI && s.Mapping == nil {
			return nil, eris.Errorf("market: seed source %q is structured-api but has no mapping", s.Name)
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		sources = append(sources, model.Source{
			Name:    s.Name,
			URL:     s.URL,
			Kind:    kind,
			Region:  s.Region,
			Enabled: enabled,
			Mapping: s.Mapping,
		})
	}
	return sources, nil
}
