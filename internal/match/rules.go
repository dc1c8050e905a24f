package match

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pcbsearch/partcrawl/internal/store"
	"gopkg.in/yaml.v3"
)

// Rules is the noise exclusion table applied before matching.
type Rules struct {
	// ReferencePrefixes lists designator prefixes of trivial components.
	// Their letters form a character class: a reference of one to three of
	// those letters followed by digits, ':' or '*' is excluded.
	ReferencePrefixes []string `yaml:"reference_prefixes"`

	// ValuePatterns are case-insensitive regular expressions over values.
	ValuePatterns []string `yaml:"value_patterns"`

	// ExcludedValues are compared case-insensitively against the value.
	ExcludedValues []string `yaml:"excluded_values"`
}

// DefaultRules returns the built-in exclusion table.
func DefaultRules() Rules {
	return Rules{
		ReferencePrefixes: []string{
			"R",   // resistors
			"D",   // diodes
			"C",   // capacitors
			"L",   // inductors
			"F",   // fuses
			"P",   // pins
			"S",   // switches
			"SW",  // switches
			"TP",  // test pads
			"G",   // graphics
			"J",   // jacks
			"FID", // fiducials
			"M",   // mounting holes
			"CON", // connectors
			"REF", // reference points
			"BT",  // batteries
		},
		ValuePatterns: []string{
			`^\d*\.?\d*K$`,
			`^\d*\.?\d*M$`,
			`^\d*\.?\d*Mhz$`,
			`^conn_.*$`,
			`^symbol_.*$`,
			`^resistor_.*$`,
			`^potentiometer_.*$`,
			`^gauge_.*$`,
		},
	}
}

// LoadRules reads a YAML rule table. Sections missing from the file keep
// their defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}

	rules := DefaultRules()
	var file Rules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if file.ReferencePrefixes != nil {
		rules.ReferencePrefixes = file.ReferencePrefixes
	}
	if file.ValuePatterns != nil {
		rules.ValuePatterns = file.ValuePatterns
	}
	if file.ExcludedValues != nil {
		rules.ExcludedValues = file.ExcludedValues
	}
	return rules, nil
}

// Exclusion reasons reported by Filter.
const (
	ReasonReference = "reference"
	ReasonValue     = "value_pattern"
	ReasonExcluded  = "excluded_value"
	ReasonBlank     = "blank_value"
)

// Filter is a compiled rule table.
type Filter struct {
	reference *regexp.Regexp
	values    []*regexp.Regexp
	excluded  map[string]struct{}
}

// Compile builds a Filter from rules.
func Compile(rules Rules) (*Filter, error) {
	f := &Filter{excluded: make(map[string]struct{}, len(rules.ExcludedValues))}

	if class := letterClass(rules.ReferencePrefixes); class != "" {
		f.reference = regexp.MustCompile(`^[` + class + `]{1,3}[\d:*]+$`)
	}

	for _, p := range rules.ValuePatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile value pattern %q: %w", p, err)
		}
		f.values = append(f.values, re)
	}

	for _, v := range rules.ExcludedValues {
		f.excluded[strings.ToUpper(v)] = struct{}{}
	}

	return f, nil
}

// Excluded reports whether an item is noise and why. Blank values are always
// noise since they would match every part.
func (f *Filter) Excluded(item store.Item) (bool, string) {
	if strings.TrimSpace(item.Value) == "" {
		return true, ReasonBlank
	}
	if f.reference != nil && f.reference.MatchString(item.Reference) {
		return true, ReasonReference
	}
	for _, re := range f.values {
		if re.MatchString(item.Value) {
			return true, ReasonValue
		}
	}
	if _, ok := f.excluded[strings.ToUpper(item.Value)]; ok {
		return true, ReasonExcluded
	}
	return false, ""
}

// letterClass returns the escaped upper and lower case letters of all
// prefixes, sorted and deduplicated.
func letterClass(prefixes []string) string {
	set := make(map[rune]struct{})
	for _, p := range prefixes {
		for _, r := range strings.ToUpper(p) + strings.ToLower(p) {
			set[r] = struct{}{}
		}
	}

	runes := make([]rune, 0, len(set))
	for r := range set {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })

	var b strings.Builder
	for _, r := range runes {
		if r == '-' {
			b.WriteString(`\-`)
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	return b.String()
}
