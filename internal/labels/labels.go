package labels

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Locale selects a label table and template set.
type Locale int

const (
	Default Locale = iota
	French
	Arabic
)

// Locales lists every supported locale in registration order.
var Locales = []Locale{Default, French, Arabic}

// ParseLocale maps "fr" and "ar" to their locales; anything else is Default.
func ParseLocale(s string) Locale {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fr":
		return French
	case "ar":
		return Arabic
	default:
		return Default
	}
}

// Code is the short language code used in API paths and table file names.
func (l Locale) Code() string {
	switch l {
	case French:
		return "fr"
	case Arabic:
		return "ar"
	default:
		return "default"
	}
}

// Prefix is the HTML route namespace of the locale.
func (l Locale) Prefix() string {
	switch l {
	case French:
		return "/icbafr"
	case Arabic:
		return "/icbaar"
	default:
		return "/icba"
	}
}

// Lang is the value of the html lang attribute.
func (l Locale) Lang() string {
	switch l {
	case French:
		return "fr"
	case Arabic:
		return "ar"
	default:
		return "en"
	}
}

// Dir is the text direction of the locale.
func (l Locale) Dir() string {
	if l == Arabic {
		return "rtl"
	}
	return "ltr"
}

// SelectFileMessage is shown when an upload carries no usable filename.
func (l Locale) SelectFileMessage() string {
	switch l {
	case French:
		return "Veuillez sélectionner un fichier à classer"
	case Arabic:
		return "الرجاء تحديد ملف لتصنيفه"
	default:
		return "Please select a file to classify"
	}
}

func (l Locale) String() string { return l.Code() }

// Disease is one classifier output class.
type Disease struct {
	Name        string        `yaml:"name"`
	Description template.HTML `yaml:"description"`
}

type tableFile struct {
	Diseases []Disease `yaml:"diseases"`
}

// Catalog holds one read-only table per locale.
type Catalog struct {
	tables map[Locale][]Disease
}

//go:embed tables/*.yaml
var embedded embed.FS

// ErrUnknownClass is returned for class indices outside the table.
var ErrUnknownClass = errors.New("unknown class index")

// Load parses the embedded tables, or the ones found in dir when it is set.
// Every table must hold exactly numClasses entries.
func Load(dir string, numClasses int) (*Catalog, error) {
	var fsys fs.FS
	root := "tables"
	if dir != "" {
		fsys = os.DirFS(dir)
		root = "."
	} else {
		fsys = embedded
	}

	c := &Catalog{tables: make(map[Locale][]Disease, len(Locales))}
	for _, locale := range Locales {
		name := path.Join(root, locale.Code()+".yaml")
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s table: %w", locale, err)
		}

		var table tableFile
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parse %s table: %w", locale, err)
		}
		if len(table.Diseases) != numClasses {
			return nil, fmt.Errorf("%s table has %d entries, want %d", locale, len(table.Diseases), numClasses)
		}
		for i, d := range table.Diseases {
			if strings.TrimSpace(d.Name) == "" {
				return nil, fmt.Errorf("%s table entry %d has no name", locale, i)
			}
		}
		c.tables[locale] = table.Diseases
	}
	return c, nil
}

// Diseases returns the full table of the locale. Callers must not modify it.
func (c *Catalog) Diseases(l Locale) []Disease {
	if t, ok := c.tables[l]; ok {
		return t
	}
	return c.tables[Default]
}

// Names returns the short disease names of the locale, in class order.
func (c *Catalog) Names(l Locale) []string {
	table := c.Diseases(l)
	names := make([]string, len(table))
	for i, d := range table {
		names[i] = d.Name
	}
	return names
}

// Disease looks up a single class in the locale's table.
func (c *Catalog) Disease(l Locale, index int) (Disease, error) {
	table := c.Diseases(l)
	if index < 0 || index >= len(table) {
		return Disease{}, fmt.Errorf("%w: %d", ErrUnknownClass, index)
	}
	return table[index], nil
}

// Len is the number of classes in every table.
func (c *Catalog) Len() int {
	return len(c.tables[Default])
}
