package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Entry is a background track the user can pick.
type Entry struct {
	ID   string `json:"id" yaml:"id" toml:"id"`
	Name string `json:"name" yaml:"name" toml:"name"`
	URL  string `json:"url" yaml:"url" toml:"url"`
}

func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("track entry without id")
	}
	if e.URL == "" {
		return fmt.Errorf("track %s has no url", e.ID)
	}
	return nil
}

// Catalog is an ordered, read-only list of entries.
type Catalog struct {
	entries []Entry
	byID    map[string]int
}

func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int, len(entries))}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.byID[e.ID]; ok {
			return nil, fmt.Errorf("duplicate track id %s", e.ID)
		}
		if e.Name == "" {
			e.Name = e.ID
		}
		c.byID[e.ID] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// First returns the entry a fresh session starts with.
func (c *Catalog) First() (Entry, bool) {
	if c == nil || len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[0], true
}

func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	return append([]Entry(nil), c.entries...)
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

type fileCatalog struct {
	Tracks []Entry `json:"tracks" yaml:"tracks" toml:"tracks"`
}

// LoadFile reads entries from a json/json5, toml or yaml file. Entries listed
// in extra come first.
func LoadFile(file string, extra ...Entry) (*Catalog, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read track catalog")
	}

	var fc fileCatalog
	switch ext := strings.ToLower(filepath.Ext(file)); ext {
	case ".json", ".json5":
		err = json5.Unmarshal(b, &fc)
	case ".toml":
		err = toml.Unmarshal(b, &fc)
	case ".yml", ".yaml":
		err = yaml.Unmarshal(b, &fc)
	default:
		return nil, fmt.Errorf("unsupported track catalog extension %s", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode track catalog %s", file)
	}

	// relative urls are resolved against the catalog location
	dir := filepath.Dir(file)
	for i, e := range fc.Tracks {
		if !strings.Contains(e.URL, "://") && !filepath.IsAbs(e.URL) {
			fc.Tracks[i].URL = filepath.Join(dir, e.URL)
		}
	}

	return New(append(append([]Entry(nil), extra...), fc.Tracks...)...)
}
