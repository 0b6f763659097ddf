package router

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Rail maps a set of discriminator values to an outbound topic.
// Backend optionally pins the rail to a bus other than the router default.
type Rail struct {
	Topic   string   `yaml:"topic"`
	Backend string   `yaml:"backend,omitempty"`
	Match   []string `yaml:"match"`
}

// Table is the routing decision: a total, case-insensitive mapping from
// discriminator to outbound topic. It is immutable once built.
type Table struct {
	def      string
	rails    []Rail
	byValue  map[string]string
	backends map[string]string
}

// DefaultTable is the production rail table. Adding a rail is one line here.
func DefaultTable() *Table {
	t, err := NewTable(TopicPayWithdraw,
		Rail{Topic: TopicPayBTCWithdraw, Match: []string{"btc"}},
		Rail{Topic: TopicPayETHWithdraw, Match: []string{"eth"}},
		Rail{Topic: TopicPayUSDTTronWithdraw, Match: []string{"usdt-tron", "tron", "usdt"}},
		Rail{Topic: TopicPayBakaiWithdraw, Match: []string{"bakai"}},
	)
	if err != nil {
		panic(err)
	}

	return t
}

// NewTable builds a table routing unmatched discriminators to def.
// A discriminator value may belong to one rail only.
func NewTable(def string, rails ...Rail) (*Table, error) {
	if def == "" {
		return nil, fmt.Errorf("routing table: default topic required: %w", berr.ErrInvalidConfig)
	}

	t := &Table{
		def:      def,
		byValue:  make(map[string]string),
		backends: make(map[string]string),
	}

	for i, r := range rails {
		if r.Topic == "" {
			return nil, fmt.Errorf("routing table: rail %d has no topic: %w", i, berr.ErrInvalidConfig)
		}

		norm := Rail{Topic: r.Topic, Backend: r.Backend, Match: make([]string, 0, len(r.Match))}

		for _, m := range r.Match {
			v := normalize(m)
			if v == "" {
				return nil, fmt.Errorf("routing table: rail %s has an empty match: %w", r.Topic, berr.ErrInvalidConfig)
			}

			if owner, taken := t.byValue[v]; taken {
				return nil, fmt.Errorf("routing table: %q claimed by %s and %s: %w", v, owner, r.Topic, berr.ErrInvalidConfig)
			}

			t.byValue[v] = r.Topic
			norm.Match = append(norm.Match, v)
		}

		if r.Backend != "" {
			t.backends[r.Topic] = r.Backend
		}

		t.rails = append(t.rails, norm)
	}

	return t, nil
}

// Resolve returns the outbound topic for a discriminator value.
// Matching ignores case; unknown and empty values resolve to the default topic.
func (t *Table) Resolve(discriminator string) string {
	if topic, ok := t.byValue[normalize(discriminator)]; ok {
		return topic
	}

	return t.def
}

// Default returns the topic used for unmatched discriminators.
func (t *Table) Default() string { return t.def }

// Rails returns a copy of the configured rails with normalized matches.
func (t *Table) Rails() []Rail {
	out := make([]Rail, len(t.rails))
	for i, r := range t.rails {
		out[i] = Rail{Topic: r.Topic, Backend: r.Backend, Match: append([]string(nil), r.Match...)}
	}

	return out
}

// Topics returns every topic the table can resolve to, default last.
func (t *Table) Topics() []string {
	out := make([]string, 0, len(t.rails)+1)
	for _, r := range t.rails {
		out = append(out, r.Topic)
	}

	return append(out, t.def)
}

// Backends lists the default backend followed by each distinct backend pinned
// by a rail.
func (t *Table) Backends(def string) []string { return outboundBackends(def, t) }

// BackendFor returns the backend pinned to topic, or fallback.
func (t *Table) BackendFor(topic, fallback string) string {
	if b, ok := t.backends[topic]; ok {
		return b
	}

	return fallback
}

type tableFile struct {
	Default string `yaml:"default"`
	Rails   []Rail `yaml:"rails"`
}

// LoadTable reads a YAML routing table:
//
//	default: pay.withdraw
//	rails:
//	  - topic: pay.btc.withdraw
//	    match: [btc]
//	  - topic: pay.bakai.withdraw
//	    backend: bank
//	    match: [bakai]
func LoadTable(r io.Reader) (*Table, error) {
	var f tableFile

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("routing table: decode: %w", errors.Join(berr.ErrInvalidConfig, err))
	}

	return NewTable(f.Default, f.Rails...)
}

func normalize(s string) string { return strings.ToLower(s) }
