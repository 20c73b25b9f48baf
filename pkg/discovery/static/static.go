package static

import (
	"strings"

	"github.com/caiconghui/kudu/pkg/discovery"
)

type staticMasters struct {
	addrs []string
}

func (s *staticMasters) Masters() []string { return append([]string(nil), s.addrs...) }

// New returns a Discovery that always returns the given master addresses.
func New(addrs ...string) discovery.Discovery {
	cleaned := make([]string, 0, len(addrs))
	for _, v := range addrs {
		v = strings.TrimSpace(v)
		if v != "" {
			cleaned = append(cleaned, v)
		}
	}
	return &staticMasters{addrs: cleaned}
}

// Parse converts a comma-separated list into []string addresses.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
