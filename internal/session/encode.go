package session

import "encoding/json"

// marshalJSON is a thin wrapper kept so callers don't import encoding/json
// directly; it also gives OutstandingBytes and encodeArrays a single place
// to agree on encoding rules.
func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// encodeArrays renders pending as the wire body the back channel writes:
// a JSON array of [id, data] pairs, followed by a trailing newline
// (spec.md §4.4, "sendTo").
func encodeArrays(pending []*outgoingArray) (string, error) {
	out := make([][2]any, len(pending))
	for i, a := range pending {
		out[i] = [2]any{a.id, a.data}
	}
	b, err := marshalJSON(out)
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}
