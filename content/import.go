package content

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/publish/errors"
)

// Format is the encoding of a content document
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks a format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", errors.NewInvalidRequestError("unsupported content file %s (want .yaml, .yml or .toml)", path)
	}
}

// Document is a tree of items to load into one database
//
//	database: master
//	items:
//	  - id: home
//	    name: Home
//	    links: [logo]
//	    children:
//	      - id: about
//	        name: About
type Document struct {
	Database string     `yaml:"database" toml:"database"`
	Items    []ItemSpec `yaml:"items" toml:"items"`
}

// ItemSpec is one item of a Document. Revision defaults to 1 and
// Publishable to true.
type ItemSpec struct {
	ID          string     `yaml:"id" toml:"id"`
	Name        string     `yaml:"name" toml:"name"`
	Revision    int64      `yaml:"revision" toml:"revision"`
	Publishable *bool      `yaml:"publishable" toml:"publishable"`
	Links       []string   `yaml:"links" toml:"links"`
	Children    []ItemSpec `yaml:"children" toml:"children"`
}

// DecodeDocument reads a document in the given format
func DecodeDocument(r io.Reader, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "failed to decode YAML content")
		}
	case FormatTOML:
		if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to decode TOML content")
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown content format %q", format)
	}
	return &doc, nil
}

// Import writes every item of doc in one transaction and returns how many
// items were written. database overrides the document's database when set.
func (s *Store) Import(ctx context.Context, doc *Document, database string) (int, error) {
	if database == "" {
		database = doc.Database
	}
	if database == "" {
		return 0, errors.NewInvalidRequestError("content document names no database")
	}

	items, err := flatten(doc.Items)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := putItem(ctx, tx, database, item); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit import")
	}
	return len(items), nil
}

// flatten turns the nested item tree into items, parents first
func flatten(nodes []ItemSpec) ([]Item, error) {
	now := time.Now()
	seen := make(map[string]bool)
	var items []Item

	var walk func(parent string, nodes []ItemSpec) error
	walk = func(parent string, nodes []ItemSpec) error {
		for i, node := range nodes {
			if node.ID == "" {
				return errors.NewInvalidRequestError("item without id under %q", parent)
			}
			if seen[node.ID] {
				return errors.NewInvalidRequestError("duplicate item id %q", node.ID)
			}
			seen[node.ID] = true

			item := Item{
				ID:          node.ID,
				ParentID:    parent,
				Name:        node.Name,
				SortOrder:   i,
				Revision:    node.Revision,
				Publishable: true,
				UpdatedAt:   now,
				Links:       node.Links,
			}
			if item.Name == "" {
				item.Name = node.ID
			}
			if item.Revision == 0 {
				item.Revision = 1
			}
			if node.Publishable != nil {
				item.Publishable = *node.Publishable
			}
			items = append(items, item)

			if err := walk(node.ID, node.Children); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk("", nodes); err != nil {
		return nil, err
	}
	return items, nil
}
