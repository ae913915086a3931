package prompt

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedYAML []byte

// Catalogue is the on-disk shape of a prompt catalogue.
type Catalogue struct {
	Categories []Category `yaml:"categories"`
	Prompts    []Prompt   `yaml:"prompts"`
}

// Seed returns the built-in catalogue shipped with the binary.
func Seed() Catalogue {
	cat, err := ParseCatalogue(seedYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt catalogue is invalid: %v", err))
	}
	return cat
}

// LoadCatalogue reads a YAML catalogue from path. An empty path yields the
// built-in seed.
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return Seed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read prompt catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes and validates a YAML catalogue.
func ParseCatalogue(data []byte) (Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalogue{}, fmt.Errorf("decode prompt catalogue: %w", err)
	}

	categories := make(map[string]struct{}, len(cat.Categories))
	for _, c := range cat.Categories {
		if c.ID == "" {
			return Catalogue{}, fmt.Errorf("category without id")
		}
		categories[c.ID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(cat.Prompts))
	for _, p := range cat.Prompts {
		if p.ID == "" {
			return Catalogue{}, fmt.Errorf("prompt without id")
		}
		if _, dup := seen[p.ID]; dup {
			return Catalogue{}, fmt.Errorf("duplicate prompt id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, ok := categories[p.CategoryID]; !ok {
			return Catalogue{}, fmt.Errorf("prompt %q references unknown category %q", p.ID, p.CategoryID)
		}
	}
	return cat, nil
}
