// Package profile bundles the swappable parts of a deployment: which sources
// are queried, how their payloads are normalized, and which rule table
// scores the result.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/cerberus/internal/normalizer"
	"github.com/lvonguyen/cerberus/internal/scoring"
)

// ErrUnknownProfile is returned by Lookup for unregistered names.
var ErrUnknownProfile = errors.New("unknown profile")

// Default is the profile used when none is configured.
const Default = "abuseipdb"

// Profile is a named combination of sources, field mapping and rules.
type Profile struct {
	Name    string
	Sources []string
	Mapping normalizer.Mapping
	Rules   []scoring.Rule
}

type builder func(highRisk []string) Profile

var registry = map[string]builder{
	"abuseipdb": func(highRisk []string) Profile {
		return Profile{
			Name:    "abuseipdb",
			Sources: []string{"abuseipdb", "geolocation"},
			Mapping: normalizer.AbuseIPDB(),
			Rules:   scoring.AbuseIPDBRules(highRisk),
		}
	},
	"otx": func(highRisk []string) Profile {
		return Profile{
			Name:    "otx",
			Sources: []string{"virustotal", "otx", "misp", "geolocation"},
			Mapping: normalizer.OTX(),
			Rules:   scoring.OTXRules(highRisk),
		}
	},
}

// Lookup returns the named profile. An empty name selects Default.
func Lookup(name string, highRiskCountries []string) (Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = Default
	}
	build, ok := registry[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProfile, name, strings.Join(Names(), ", "))
	}
	return build(highRiskCountries), nil
}

// Names lists registered profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
