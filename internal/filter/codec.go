package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Control token wire format, embedded in UI buttons:
//
//	stats|flt|<time>|<queue>|<size>|<contextID>
//
// Encoding is injective over the legal filter domain: every field is a fixed
// enum value and the context id is the final segment, so distinct tuples
// never collide. Decoding is deliberately tolerant per field: a token minted
// by an older build with a value we no longer recognize decodes to that
// field's default instead of failing the whole interaction. Only structural
// damage (wrong prefix or field count) rejects the token outright.

const (
	tokenCommand = "stats"
	tokenAction  = "flt"
	tokenSep     = "|"
	tokenFields  = 6
)

// ErrMalformedToken marks a structurally invalid control token.
var ErrMalformedToken = errors.New("malformed control token")

// Encode produces the wire token for a filter state and context id.
func Encode(state State, contextID string) string {
	return strings.Join([]string{
		tokenCommand,
		tokenAction,
		string(state.Time),
		string(state.Queue),
		string(state.Size),
		contextID,
	}, tokenSep)
}

// Decode parses a wire token back into a filter state and context id.
// Unrecognized dimension values fall back to that dimension's default.
func Decode(token string) (State, string, error) {
	parts := strings.Split(token, tokenSep)
	if len(parts) != tokenFields {
		return State{}, "", fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedToken, tokenFields, len(parts))
	}
	if parts[0] != tokenCommand || parts[1] != tokenAction {
		return State{}, "", fmt.Errorf("%w: unknown prefix %q", ErrMalformedToken, parts[0]+tokenSep+parts[1])
	}
	contextID := parts[5]
	if contextID == "" {
		return State{}, "", fmt.Errorf("%w: empty context id", ErrMalformedToken)
	}

	state := State{
		Time:  ParseTimeWindow(parts[2]),
		Queue: ParseQueueMode(parts[3]),
		Size:  ParseGroupSize(parts[4]),
	}
	return state, contextID, nil
}
