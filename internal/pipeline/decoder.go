package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	argKeyOpen    = "<arg_key>"
	argKeyClose   = "</arg_key>"
	argValueOpen  = "<arg_value>"
	argValueClose = "</arg_value>"
)

// DecodeError reports a tool-call body that does not follow the configured
// argument encoding.
type DecodeError struct {
	Encoding ArgEncoding
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s tool call: %s", e.Encoding, e.Reason)
}

func decodeErr(enc ArgEncoding, format string, args ...interface{}) error {
	return &DecodeError{Encoding: enc, Reason: fmt.Sprintf(format, args...)}
}

// Decode splits a raw tool-call body into a name and JSON arguments. Index
// and ID are left for the caller to assign.
func Decode(spec *DelimiterSpec, body string) (ToolCall, error) {
	switch spec.ArgEncoding {
	case ArgEncodingJSONSplit:
		return decodeJSONSplit(spec.ToolArgSeparator, body)
	case ArgEncodingXMLPairs:
		return decodeXMLPairs(body)
	default:
		return ToolCall{}, decodeErr(spec.ArgEncoding, "unsupported encoding")
	}
}

func validName(enc ArgEncoding, name string) error {
	if name == "" {
		return decodeErr(enc, "missing function name")
	}
	if strings.ContainsAny(name, "<>\n") {
		return decodeErr(enc, "invalid function name %q", name)
	}
	return nil
}

func decodeJSONSplit(sep, body string) (ToolCall, error) {
	name, rest, found := strings.Cut(body, sep)
	if !found {
		return ToolCall{}, decodeErr(ArgEncodingJSONSplit, "separator %q not found", sep)
	}
	name = strings.TrimSpace(name)
	if err := validName(ArgEncodingJSONSplit, name); err != nil {
		return ToolCall{}, err
	}
	args := strings.TrimSpace(rest)
	if !gjson.Valid(args) {
		return ToolCall{}, decodeErr(ArgEncodingJSONSplit, "arguments are not valid JSON")
	}
	return ToolCall{Name: name, Arguments: args}, nil
}

type argPair struct {
	key, value string
}

func decodeXMLPairs(body string) (ToolCall, error) {
	name := body
	rest := ""
	if i := strings.Index(body, argKeyOpen); i >= 0 {
		name, rest = body[:i], body[i:]
	}
	name = strings.TrimSpace(name)
	if err := validName(ArgEncodingXMLPairs, name); err != nil {
		return ToolCall{}, err
	}

	var pairs []argPair
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" {
			break
		}
		key, after, err := cutElement(rest, argKeyOpen, argKeyClose)
		if err != nil {
			return ToolCall{}, err
		}
		if strings.TrimSpace(key) == "" {
			return ToolCall{}, decodeErr(ArgEncodingXMLPairs, "empty argument key")
		}
		value, after, err := cutElement(strings.TrimLeft(after, " \t\r\n"), argValueOpen, argValueClose)
		if err != nil {
			return ToolCall{}, fmt.Errorf("argument %q: %w", key, err)
		}
		pairs = append(pairs, argPair{key: strings.TrimSpace(key), value: value})
		rest = after
	}

	args, err := encodePairs(pairs)
	if err != nil {
		return ToolCall{}, err
	}
	return ToolCall{Name: name, Arguments: args}, nil
}

// cutElement expects s to start with the start tag and returns the text up
// to the end tag and whatever follows it.
func cutElement(s, startTag, endTag string) (string, string, error) {
	if !strings.HasPrefix(s, startTag) {
		return "", "", decodeErr(ArgEncodingXMLPairs, "expected %s", startTag)
	}
	inner, after, found := strings.Cut(s[len(startTag):], endTag)
	if !found {
		return "", "", decodeErr(ArgEncodingXMLPairs, "missing %s", endTag)
	}
	return inner, after, nil
}

// encodePairs renders pairs as a JSON object in source order. A repeated
// key keeps its first position and its last value.
func encodePairs(pairs []argPair) (string, error) {
	order := make([]string, 0, len(pairs))
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if _, seen := values[p.key]; !seen {
			order = append(order, p.key)
		}
		values[p.key] = p.value
	}

	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	b.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return "", err
		}
		trimNewline(&b)
		b.WriteByte(':')
		if err := enc.Encode(values[k]); err != nil {
			return "", err
		}
		trimNewline(&b)
	}
	b.WriteByte('}')
	return b.String(), nil
}

// trimNewline drops the newline json.Encoder appends after each value.
func trimNewline(b *bytes.Buffer) {
	if n := b.Len(); n > 0 && b.Bytes()[n-1] == '\n' {
		b.Truncate(n - 1)
	}
}
