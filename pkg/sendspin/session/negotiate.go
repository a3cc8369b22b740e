// ABOUTME: Pure role and format negotiation functions
// ABOUTME: Kept outside the state machine so they can be unit-tested directly
package session

import "github.com/sendspin/sendspin-go/pkg/sendspin/wire"

// NegotiateRoles computes the active_roles the server should return for a
// client's supported_roles list: for each family present in the client's
// list, select the single highest-version entry that the server also
// supports. Families absent from the server's supported set are omitted.
// Order follows the client's original list (first occurrence of each
// family). Note this must rank server-supported versions against each
// other, not just the client's own highest version per family — a client
// offering player@v2 and player@v1 against a server that only supports
// player@v1 should still get player@v1 back.
func NegotiateRoles(clientRoles []string, serverSupported map[string]bool) []string {
	order := make([]string, 0, len(clientRoles))
	best := make(map[string]string)

	for _, role := range clientRoles {
		if !serverSupported[role] {
			continue
		}
		family := wire.Family(role)
		if _, seen := best[family]; !seen {
			order = append(order, family)
		}
		if cur, ok := best[family]; !ok || wire.Version(role) > wire.Version(cur) {
			best[family] = role
		}
	}

	out := make([]string, 0, len(order))
	for _, family := range order {
		out = append(out, best[family])
	}
	return out
}

// NegotiateFormat selects the first client-preferred format the server can
// produce, per spec.md §4.3: the server never chooses a format ranked lower
// in the client's preference list over one ranked higher, even if the
// higher one is more expensive to produce. ok is false if no format in the
// client's list can be produced.
func NegotiateFormat(clientFormats []wire.AudioFormat, canProduce func(wire.AudioFormat) bool) (wire.AudioFormat, bool) {
	for _, f := range clientFormats {
		if canProduce(f) {
			return f, true
		}
	}
	return wire.AudioFormat{}, false
}
