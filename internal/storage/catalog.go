package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

var ErrUnknownFormat = errors.New("unknown catalog format")

// DefaultCatalog is seeded into an empty catalog.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{
			Name:  "POS-80",
			URL:   "https://baixesoft.com/servidor_download_drivers/POS-Printer-Driver.exe",
			Group: "Não Fiscal",
		},
		{
			Name:  "Epson TM-T20/TM-T20X",
			URL:   "https://www.bztech.com.br/arquivos/driver-epson-tm-t20-tm-t20x.zip",
			Group: "Não Fiscal",
		},
		{
			Name:  "Elgin",
			URL:   "https://www.bztech.com.br/arquivos/driver-elgin-i7-i8-e-i9-windows-e-linux.zip",
			Group: "Não Fiscal",
		},
		{
			Name:  "Bematech",
			URL:   "https://www.bztech.com.br/arquivos/driver-bematech-mp-4200.zip",
			Group: "A4",
		},
	}
}

// Normalize trims surrounding whitespace from every field.
func (e CatalogEntry) Normalize() CatalogEntry {
	return CatalogEntry{
		Name:     strings.TrimSpace(e.Name),
		URL:      strings.TrimSpace(e.URL),
		Group:    strings.TrimSpace(e.Group),
		Checksum: strings.TrimSpace(e.Checksum),
	}
}

// Validate checks that name, url and group are present and the url is http(s).
func (e CatalogEntry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("name is required")
	}

	if strings.TrimSpace(e.Group) == "" {
		return fmt.Errorf("entry %q: group is required", e.Name)
	}

	raw := strings.TrimSpace(e.URL)
	if raw == "" {
		return fmt.Errorf("entry %q: url is required", e.Name)
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("entry %q: url must be an absolute http(s) url", e.Name)
	}

	return nil
}

// ParseFormat maps a format name (or file extension) to FormatJSON or FormatYAML.
// An empty name means JSON.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// EncodeCatalog writes entries in the given format.
func EncodeCatalog(w io.Writer, format string, entries []CatalogEntry) error {
	if entries == nil {
		entries = []CatalogEntry{}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")

		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	return nil
}

// DecodeCatalog reads and validates entries. Files written by the desktop tool,
// which used the keys "nome" and "grupo", are accepted too.
func DecodeCatalog(r io.Reader, format string) ([]CatalogEntry, error) {
	var raw []legacyEntry

	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode catalog: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	entries := make([]CatalogEntry, 0, len(raw))

	for i, le := range raw {
		entry := le.entry().Normalize()
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("invalid catalog entry %d: %w", i, err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

type legacyEntry struct {
	Name     string `json:"name" yaml:"name"`
	Nome     string `json:"nome" yaml:"nome"`
	URL      string `json:"url" yaml:"url"`
	Group    string `json:"group" yaml:"group"`
	Grupo    string `json:"grupo" yaml:"grupo"`
	Checksum string `json:"checksum" yaml:"checksum"`
}

func (l legacyEntry) entry() CatalogEntry {
	e := CatalogEntry{Name: l.Name, URL: l.URL, Group: l.Group, Checksum: l.Checksum}

	if e.Name == "" {
		e.Name = l.Nome
	}

	if e.Group == "" {
		e.Group = l.Grupo
	}

	return e
}
