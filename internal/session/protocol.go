package session

import (
	"strings"

	"dexrelay/internal/schema"

	"github.com/yanun0323/errors"
)

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

// request is one inbound client message. networks and dex are
// comma-separated lists; kind is optional and narrows the match.
type request struct {
	Method   string `json:"method"`
	Networks string `json:"networks"`
	Dex      string `json:"dex"`
	Kind     string `json:"kind"`
}

// errorReply is sent for malformed or rejected requests. The session
// stays open.
type errorReply struct {
	Error string `json:"error"`
}

// ackReply confirms an applied subscribe/unsubscribe.
type ackReply struct {
	Result     string `json:"result"`
	Subscribed int    `json:"subscribed"`
}

// expandFilters builds the cross product of the request's network and
// dex lists, validated against the registry. Any invalid element fails
// the whole request.
func expandFilters(registry *schema.Registry, req request) ([]schema.Filter, error) {
	networks := splitList(req.Networks)
	if len(networks) == 0 {
		return nil, errors.New("missing networks")
	}
	dexes := splitList(req.Dex)
	if len(dexes) == 0 {
		return nil, errors.New("missing dex")
	}

	filters := make([]schema.Filter, 0, len(networks)*len(dexes))
	for _, network := range networks {
		for _, dex := range dexes {
			f, err := registry.ValidateFilter(network, dex, strings.TrimSpace(req.Kind))
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
	}
	return filters, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
