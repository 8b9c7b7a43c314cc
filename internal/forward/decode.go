// Package forward decodes an incoming POST body into a normalized batch of
// client→server messages, accepting either URL-encoded form batches or a
// JSON batch. See spec.md §4.2.
package forward

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Batch is the normalized result of decoding one forward-channel POST body.
// Exactly one of Maps or JSONItems is populated, depending on which wire
// encoding the client used; both are nil when the batch carried no data
// (count == 0, or a JSON body of null).
type Batch struct {
	Offset    int
	Maps      []map[string]string
	JSONItems []any
}

// Empty reports whether the batch carried no data at all.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Maps) == 0 && len(b.JSONItems) == 0)
}

var reqKeyPattern = regexp.MustCompile(`^req(\d+)_(.+)$`)

// badMapKey/badMapValue mark a map entry the client flags as the product of
// its own failed JSON encoding (it falls back to a single "_badmap" field
// instead of silently dropping the whole batch). The decoder honors the
// client's self-report by omitting that field rather than forwarding a
// sentinel value to the application. See spec.md §9 (duplicate test-key
// ambiguity): this decoder accepts both escaped and unescaped map keys and
// values, since url.ParseQuery already percent-decodes both halves of every
// form field before this logic ever sees them.
const (
	badMapKey   = "type"
	badMapValue = "_badmap"
)

// Decode parses an incoming forward-channel POST body given its
// Content-Type. A nil, nil return means the batch legitimately carried no
// data (count == 0 or a JSON null body).
func Decode(contentType string, body []byte) (*Batch, error) {
	if isJSON(contentType) {
		return decodeJSON(body)
	}
	return decodeForm(body)
}

func isJSON(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		mediaType = contentType[:i]
	}
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/json")
}

func decodeJSON(body []byte) (*Batch, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var payload struct {
		Ofs  int   `json:"ofs"`
		Data []any `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("forward: decode json body: %w", err)
	}
	if len(payload.Data) == 0 {
		return nil, nil
	}
	return &Batch{Offset: payload.Ofs, JSONItems: payload.Data}, nil
}

func decodeForm(body []byte) (*Batch, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("forward: parse form body: %w", err)
	}

	count, err := readInt(values, "count")
	if err != nil {
		return nil, fmt.Errorf("forward: bad data: count: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	offset, err := readInt(values, "ofs")
	if err != nil {
		return nil, fmt.Errorf("forward: bad data: ofs: %w", err)
	}

	maps := make([]map[string]string, count)
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		m := reqKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 0 || idx >= count {
			continue
		}
		field, value := m[2], vals[0]
		if field == badMapKey && value == badMapValue {
			continue
		}
		if maps[idx] == nil {
			maps[idx] = make(map[string]string)
		}
		maps[idx][field] = value
	}

	for i := range maps {
		if maps[i] == nil {
			maps[i] = map[string]string{}
		}
	}

	return &Batch{Offset: offset, Maps: maps}, nil
}

func readInt(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, fmt.Errorf("missing %q", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer: %q", key, raw)
	}
	return n, nil
}
