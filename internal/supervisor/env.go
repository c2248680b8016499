package supervisor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultEnvAllow is the set of ambient variables a stage inherits unless
// configured otherwise. Everything else, credentials included, must come
// through the overlay.
var DefaultEnvAllow = []string{"PATH", "HOME", "LANG", "LC_*", "TMPDIR", "TEMP", "TMP", "SYSTEMROOT"}

// Environment builds a child environment from an allow-list of ambient
// variable names (glob patterns) plus an explicit overlay.
type Environment struct {
	allow   []glob.Glob
	overlay map[string]string
}

func NewEnvironment(allow []string, overlay map[string]string) (*Environment, error) {
	e := &Environment{overlay: make(map[string]string, len(overlay))}
	for _, pattern := range allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid env allow pattern %q: %w", pattern, err)
		}
		e.allow = append(e.allow, g)
	}
	for k, v := range overlay {
		if v == "" {
			continue
		}
		e.overlay[k] = v
	}
	return e, nil
}

// StageOverlay returns the fixed overlay every stage receives: cloud
// credentials, region, and the unbuffered-output hint for Python children.
func StageOverlay(accessKeyID, secretKey, region string) map[string]string {
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     accessKeyID,
		"AWS_SECRET_ACCESS_KEY": secretKey,
		"AWS_REGION":            region,
		"PYTHONUNBUFFERED":      "1",
	}
}

// Build filters base (os.Environ format) through the allow-list and applies
// the overlay on top. Overlay keys replace inherited ones.
func (e *Environment) Build(base []string) []string {
	out := make([]string, 0, len(base)+len(e.overlay))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if _, overridden := e.overlay[name]; overridden {
			continue
		}
		if e.allowed(name) {
			out = append(out, kv)
		}
	}

	keys := make([]string, 0, len(e.overlay))
	for k := range e.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+e.overlay[k])
	}
	return out
}

func (e *Environment) allowed(name string) bool {
	for _, g := range e.allow {
		if g.Match(name) {
			return true
		}
	}
	return false
}
