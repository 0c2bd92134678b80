package providers

import (
	"os"
	"strings"
)

// ProviderRef is one entry of a provider list such as "ollama:nomic|mock".
// KeyAlias selects per-alias credentials or models from the environment.
type ProviderRef struct {
	Raw      string
	Name     string
	KeyAlias string
}

func (r ProviderRef) String() string { return r.Raw }

// ParseProviderList splits a "|" or "," separated list of name[:alias]
// entries. Names are lowercased and exact duplicates dropped. An empty list
// yields the mock provider.
func ParseProviderList(raw string) []ProviderRef {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' })
	seen := make(map[string]bool, len(fields))
	refs := make([]ProviderRef, 0, len(fields))
	for _, f := range fields {
		name, alias, _ := strings.Cut(strings.TrimSpace(f), ":")
		ref := ProviderRef{
			Name:     strings.ToLower(strings.TrimSpace(name)),
			KeyAlias: strings.TrimSpace(alias),
		}
		if ref.Name == "" {
			continue
		}
		ref.Raw = ref.Name
		if ref.KeyAlias != "" {
			ref.Raw += ":" + ref.KeyAlias
		}
		if seen[ref.Raw] {
			continue
		}
		seen[ref.Raw] = true
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return []ProviderRef{{Raw: "mock", Name: "mock"}}
	}
	return refs
}

// keyFromEnv looks up prefix+ALIAS first and falls back to the shared variable.
func keyFromEnv(prefix, shared, alias string) string {
	if alias = strings.TrimSpace(alias); alias != "" {
		if v := strings.TrimSpace(os.Getenv(prefix + envToken(alias))); v != "" {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(shared))
}

// envToken turns an alias like "team-a.v2" into TEAM_A_V2.
func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
