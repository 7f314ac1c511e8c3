// Package dataset reads the on-disk catalog of seed prompt datasets.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrDatasetNotFound = errors.New("dataset not found")

var validName = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Dataset is a named collection of seed prompts.
type Dataset struct {
	Name           string   `yaml:"name"            json:"name"`
	Description    string   `yaml:"description"     json:"description,omitempty"`
	HarmCategories []string `yaml:"harm_categories" json:"harm_categories,omitempty"`
	Prompts        []Prompt `yaml:"prompts"         json:"prompts"`
}

// Prompt is one seed prompt of a dataset.
type Prompt struct {
	Value          string   `yaml:"value"           json:"value"`
	HarmCategories []string `yaml:"harm_categories" json:"harm_categories,omitempty"`
}

// Summary describes a dataset without its prompts.
type Summary struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	HarmCategories []string `json:"harm_categories,omitempty"`
	PromptCount    int      `json:"prompt_count"`
}

// Values returns the prompt texts, truncated to limit when limit > 0.
func (d *Dataset) Values(limit int) []string {
	n := len(d.Prompts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	for _, p := range d.Prompts[:n] {
		out = append(out, p.Value)
	}
	return out
}

// Catalog loads datasets from a directory of YAML files named <name>.yaml.
type Catalog struct {
	dir string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// ValidName reports whether name is an acceptable dataset name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// Load reads and validates the dataset called name.
func (c *Catalog) Load(name string) (*Dataset, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(c.dir, name+ext)
		ds, err := parse(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ds.Name == "" {
			ds.Name = name
		}
		if ds.Name != name {
			return nil, fmt.Errorf("dataset file %s declares name %q", path, ds.Name)
		}
		return ds, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, name)
}

// List summarizes every dataset in the catalog, sorted by name. A missing directory is an
// empty catalog.
func (c *Catalog) List() ([]Summary, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}

	out := []Summary{}
	seen := map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		ext := filepath.Ext(file)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(file, ext)
		if !ValidName(name) || seen[name] {
			continue
		}
		ds, err := c.Load(name)
		if err != nil {
			return nil, err
		}
		seen[name] = true
		out = append(out, Summary{
			Name:           ds.Name,
			Description:    ds.Description,
			HarmCategories: ds.HarmCategories,
			PromptCount:    len(ds.Prompts),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func parse(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	for i, p := range ds.Prompts {
		if strings.TrimSpace(p.Value) == "" {
			return nil, fmt.Errorf("dataset %s: prompts[%d] is blank", path, i)
		}
	}
	if ds.Prompts == nil {
		ds.Prompts = []Prompt{}
	}
	return &ds, nil
}
