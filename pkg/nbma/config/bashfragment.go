// Package config loads the bash-variable-fragment configuration files and
// assembles them into NLDConfig.
package config

import (
	"os"
	"regexp"

	"gopkg.in/ini.v1"
)

// defaultSection is the synthetic section name every bash fragment is
// parsed under; the files themselves carry no section headers.
const defaultSection = "default"

// outerQuotePair matches a value that is wrapped in one matching pair of
// single or double quotes. Go's regexp has no backreferences, so the two
// quote kinds are spelled out as alternatives.
var outerQuotePair = regexp.MustCompile(`^('.*'|".*")$`)

// unquoteOnce strips one outer matching quote pair from v, leaving any
// quoting the value carries internally (e.g. a parenthesised list) intact.
func unquoteOnce(v string) string {
	if outerQuotePair.MatchString(v) && len(v) >= 2 {
		return v[1 : len(v)-1]
	}
	return v
}

// fragment is the flat key/value set parsed out of one bash-fragment file.
type fragment map[string]string

// parseBashFragment reads path as a sequence of KEY=value lines, prepending
// the synthetic [default] section ini.v1 needs, and unquoting each value.
func parseBashFragment(path string) (fragment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	synthetic := append([]byte("["+defaultSection+"]\n"), raw...)
	// PreserveSurroundedQuote stops ini.v1 from stripping a quote pair of
	// its own, so unquoteOnce is the only place a pair is removed.
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, PreserveSurroundedQuote: true}, synthetic)
	if err != nil {
		return nil, err
	}

	section, err := cfg.GetSection(defaultSection)
	if err != nil {
		return nil, err
	}

	out := make(fragment, len(section.Keys()))
	for _, key := range section.Keys() {
		out[key.Name()] = unquoteOnce(key.Value())
	}
	return out, nil
}
