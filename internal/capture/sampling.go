package capture

import (
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/amoylab/replay/internal/common/config"
)

// SamplingGate decides whether this page load records at all and whether a
// given URL is excluded from recording.
type SamplingGate struct {
	percentage float64
	draw       float64
	patterns   []urlPattern
}

// NewSamplingGate draws once from random (math/rand when nil). Invalid
// percentages clamp to 0.
func NewSamplingGate(percentage float64, blacklist []string, random func() float64) *SamplingGate {
	if random == nil {
		random = rand.Float64
	}
	g := &SamplingGate{
		percentage: config.ClampPercentage(percentage),
		draw:       random(),
	}
	for _, p := range blacklist {
		if pat, ok := parsePattern(p); ok {
			g.patterns = append(g.patterns, pat)
		}
	}
	return g
}

// Sampled reports the per page load decision
func (g *SamplingGate) Sampled() bool {
	return g.draw*100 < g.percentage
}

// SampleRate is the resolved percentage
func (g *SamplingGate) SampleRate() float64 {
	return g.percentage
}

// Blacklisted reports whether rawURL matches any blacklist pattern
func (g *SamplingGate) Blacklisted(rawURL string) bool {
	if len(g.patterns) == 0 {
		return false
	}
	host, segments := splitURL(rawURL)
	for _, p := range g.patterns {
		if p.match(host, segments) {
			return true
		}
	}
	return false
}

// Allow combines the sampling draw and the blacklist
func (g *SamplingGate) Allow(rawURL string) bool {
	return g.Sampled() && !g.Blacklisted(rawURL)
}

// urlPattern is a blacklist entry. "*" matches exactly one path segment,
// "**" matches any number of segments, an empty host matches every host.
type urlPattern struct {
	host     string
	segments []string
}

func parsePattern(raw string) (urlPattern, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return urlPattern{}, false
	}
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	raw = stripQuery(raw)

	var p urlPattern
	if !strings.HasPrefix(raw, "/") {
		host, rest, _ := strings.Cut(raw, "/")
		p.host = strings.ToLower(host)
		raw = rest
	}
	p.segments = pathSegments(raw)
	return p, true
}

func (p urlPattern) match(host string, segments []string) bool {
	if p.host != "" && p.host != "*" && p.host != host {
		return false
	}
	return matchSegments(p.segments, segments)
}

func matchSegments(pattern, segments []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			rest := pattern[1:]
			for i := 0; i <= len(segments); i++ {
				if matchSegments(rest, segments[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(segments) == 0 {
				return false
			}
		default:
			if len(segments) == 0 || pattern[0] != segments[0] {
				return false
			}
		}
		pattern = pattern[1:]
		segments = segments[1:]
	}
	return len(segments) == 0
}

func splitURL(rawURL string) (string, []string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", pathSegments(stripQuery(rawURL))
	}
	return strings.ToLower(u.Hostname()), pathSegments(u.Path)
}

func pathSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// NormalizeURL keeps scheme, host and path of rawURL, dropping query,
// fragment and a trailing slash other than the root one.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return stripQuery(rawURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + strings.ToLower(u.Host) + path
}
