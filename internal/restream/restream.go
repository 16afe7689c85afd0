// Package restream rebuilds a request body from a structured form that was
// parsed (and consumed) before the request reached the proxy.
package restream

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrReencode is returned when a parsed body cannot be serialized again.
	ErrReencode = errors.New("cannot re-encode parsed request body")

	// ErrUnsupportedContentType is returned for bodies that are neither JSON
	// nor URL-encoded forms. The caller drops the body.
	ErrUnsupportedContentType = errors.New("unsupported content type for body re-encoding")
)

// Kind is the wire format a parsed body is re-encoded into.
type Kind int

const (
	KindUnknown Kind = iota
	KindJSON
	KindForm
)

// KindOf classifies a Content-Type header value.
func KindOf(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch {
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return KindJSON
	case mt == "application/x-www-form-urlencoded":
		return KindForm
	default:
		return KindUnknown
	}
}

// HasBody reports whether a request with the given method may carry a body.
func HasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// Encode serializes parsed into the wire format named by contentType.
// It returns nil, nil when no body should be written: GET/HEAD requests and
// empty parsed bodies.
func Encode(method, contentType string, parsed map[string]any) ([]byte, error) {
	if !HasBody(method) || len(parsed) == 0 {
		return nil, nil
	}

	switch KindOf(contentType) {
	case KindJSON:
		data, err := json.Marshal(parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrReencode, err)
		}
		return data, nil
	case KindForm:
		return []byte(formValues(parsed).Encode()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

// formValues flattens a parsed body into url.Values. Slices repeat the key;
// nested objects and nil collapse to an empty value.
func formValues(parsed map[string]any) url.Values {
	v := make(url.Values, len(parsed))
	for key, val := range parsed {
		switch t := val.(type) {
		case []any:
			for _, item := range t {
				v.Add(key, scalar(item))
			}
		case []string:
			for _, item := range t {
				v.Add(key, item)
			}
		default:
			v.Add(key, scalar(t))
		}
	}
	return v
}

func scalar(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
