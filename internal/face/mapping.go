package face

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed default_mapping.yaml
var defaultTable []byte

// Table lists, per abstract channel, the asset channel names to try.
type Table struct {
	Channels map[string][]string `yaml:"channels"`
}

// DefaultTable returns the built-in table.
func DefaultTable() Table {
	var t Table
	if err := yaml.Unmarshal(defaultTable, &t); err != nil {
		panic(fmt.Sprintf("face: invalid default mapping table: %v", err))
	}
	return t
}

// LoadTable reads a yaml mapping table. An empty path yields the default table.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read mapping table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse mapping table: %w", err)
	}
	if len(t.Channels) == 0 {
		return Table{}, fmt.Errorf("mapping table %s has no channels", path)
	}
	return t, nil
}

// Mapping is a table resolved against one asset. The zero value maps every
// name to itself.
type Mapping struct {
	resolved map[string]string
	missing  []string
}

// Resolve matches each abstract name against the available asset channels:
// candidates in order, exact match first, then case-insensitive. Abstract
// names with no match are reported by Missing.
func Resolve(t Table, available []string) Mapping {
	if len(available) == 0 {
		return Mapping{}
	}
	exact := make(map[string]string, len(available))
	folded := make(map[string]string, len(available))
	for _, name := range available {
		exact[name] = name
		if _, dup := folded[strings.ToLower(name)]; !dup {
			folded[strings.ToLower(name)] = name
		}
	}

	m := Mapping{resolved: make(map[string]string, len(t.Channels))}
	for abstract, candidates := range t.Channels {
		all := append(append([]string(nil), candidates...), abstract)
		if hit, ok := match(all, exact, folded); ok {
			m.resolved[abstract] = hit
			continue
		}
		m.missing = append(m.missing, abstract)
	}
	sort.Strings(m.missing)
	return m
}

func match(candidates []string, exact, folded map[string]string) (string, bool) {
	for _, c := range candidates {
		if hit, ok := exact[c]; ok {
			return hit, true
		}
	}
	for _, c := range candidates {
		if hit, ok := folded[strings.ToLower(c)]; ok {
			return hit, true
		}
	}
	return "", false
}

// Channel returns the asset channel for an abstract name.
func (m Mapping) Channel(abstract string) (string, bool) {
	if m.resolved == nil {
		return abstract, true
	}
	name, ok := m.resolved[abstract]
	return name, ok
}

func (m Mapping) Missing() []string { return append([]string(nil), m.missing...) }

// MappedSink translates abstract channel names before writing to an asset.
// Writes to unmapped names are dropped with one log line per name.
type MappedSink struct {
	target  Sink
	mapping Mapping
	log     *slog.Logger
	mu      sync.Mutex
	warned  map[string]struct{}
}

func NewMappedSink(target Sink, mapping Mapping, log *slog.Logger) *MappedSink {
	if log == nil {
		log = slog.Default()
	}
	return &MappedSink{
		target:  target,
		mapping: mapping,
		log:     log.With(slog.String("component", "face-mapping")),
		warned:  make(map[string]struct{}),
	}
}

func (s *MappedSink) SetInfluence(channel string, value float64) {
	name, ok := s.mapping.Channel(channel)
	if !ok {
		s.warnOnce(channel)
		return
	}
	s.target.SetInfluence(name, value)
}

func (s *MappedSink) SetEmphasis(value float64) {
	if e, ok := s.target.(EmphasisSink); ok {
		e.SetEmphasis(value)
	}
}

func (s *MappedSink) warnOnce(channel string) {
	s.mu.Lock()
	_, seen := s.warned[channel]
	s.warned[channel] = struct{}{}
	s.mu.Unlock()
	if !seen {
		s.log.Warn("blend channel not available on asset", slog.String("channel", channel))
	}
}
