package pipeline

import (
	"errors"
	"fmt"
)

// ArgEncoding selects how a tool-call body is turned into a name and
// arguments.
type ArgEncoding string

const (
	// ArgEncodingXMLPairs: NAME<arg_key>K</arg_key><arg_value>V</arg_value>...
	ArgEncodingXMLPairs ArgEncoding = "xml_pairs"
	// ArgEncodingJSONSplit: NAME<separator>{json}
	ArgEncodingJSONSplit ArgEncoding = "json_split"
)

const (
	DefaultBufferLimit  = 64 * 1024
	DefaultCallIDPrefix = "call_"
)

// DelimiterSpec is the immutable delimiter table for one response.
type DelimiterSpec struct {
	ThinkOpen        string
	ThinkClose       string
	ToolOpen         string
	ToolClose        string
	ToolArgSeparator string
	DropMarkers      []string
	ArgEncoding      ArgEncoding
	BufferLimit      int
	CallIDPrefix     string
}

// TagExtractParams are the params accepted by the tag_extract stage.
type TagExtractParams struct {
	ThinkTag         string   `yaml:"think_tag"`
	ThinkOpen        string   `yaml:"think_open"`
	ThinkClose       string   `yaml:"think_close"`
	ToolTag          string   `yaml:"tool_tag"`
	ToolOpen         string   `yaml:"tool_open"`
	ToolClose        string   `yaml:"tool_close"`
	ToolArgSeparator string   `yaml:"tool_arg_separator"`
	DropMarkers      []string `yaml:"drop_markers"`
	ArgEncoding      string   `yaml:"arg_encoding"`
	BufferLimit      int      `yaml:"buffer_limit"`
	CallIDPrefix     string   `yaml:"call_id_prefix"`
}

// openTag and closeTag expand a bare tag name like "think" into <think> and
// </think>.
func openTag(name string) string  { return "<" + name + ">" }
func closeTag(name string) string { return "</" + name + ">" }

func pickDelimiter(explicit, tag string, build func(string) string) string {
	if explicit != "" {
		return explicit
	}
	if tag != "" {
		return build(tag)
	}
	return ""
}

// NewDelimiterSpec builds and validates a delimiter table from stage params.
func NewDelimiterSpec(p TagExtractParams) (*DelimiterSpec, error) {
	spec := &DelimiterSpec{
		ThinkOpen:        pickDelimiter(p.ThinkOpen, p.ThinkTag, openTag),
		ThinkClose:       pickDelimiter(p.ThinkClose, p.ThinkTag, closeTag),
		ToolOpen:         pickDelimiter(p.ToolOpen, p.ToolTag, openTag),
		ToolClose:        pickDelimiter(p.ToolClose, p.ToolTag, closeTag),
		ToolArgSeparator: p.ToolArgSeparator,
		DropMarkers:      append([]string(nil), p.DropMarkers...),
		ArgEncoding:      ArgEncoding(p.ArgEncoding),
		BufferLimit:      p.BufferLimit,
		CallIDPrefix:     p.CallIDPrefix,
	}
	if spec.ArgEncoding == "" {
		spec.ArgEncoding = ArgEncodingXMLPairs
	}
	if spec.BufferLimit == 0 {
		spec.BufferLimit = DefaultBufferLimit
	}
	if spec.CallIDPrefix == "" {
		spec.CallIDPrefix = DefaultCallIDPrefix
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the table for inconsistencies that would make parsing
// ambiguous or impossible.
func (s *DelimiterSpec) Validate() error {
	var errs []error
	switch s.ArgEncoding {
	case ArgEncodingXMLPairs:
	case ArgEncodingJSONSplit:
		if s.ToolArgSeparator == "" {
			errs = append(errs, errors.New("arg encoding json_split requires tool_arg_separator"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown arg encoding %q", s.ArgEncoding))
	}
	if (s.ThinkOpen == "") != (s.ThinkClose == "") {
		errs = append(errs, errors.New("think open and close delimiters must be set together"))
	}
	if (s.ToolOpen == "") != (s.ToolClose == "") {
		errs = append(errs, errors.New("tool open and close delimiters must be set together"))
	}
	for i, m := range s.DropMarkers {
		if m == "" {
			errs = append(errs, fmt.Errorf("drop marker %d is empty", i))
		}
	}
	if s.BufferLimit < 0 {
		errs = append(errs, fmt.Errorf("buffer limit %d is negative", s.BufferLimit))
	} else if longest := s.longestDelimiter(); s.BufferLimit < longest {
		errs = append(errs, fmt.Errorf("buffer limit %d is shorter than the longest delimiter (%d)", s.BufferLimit, longest))
	}
	return errors.Join(errs...)
}

func (s *DelimiterSpec) longestDelimiter() int {
	n := 0
	for _, d := range s.all() {
		if len(d) > n {
			n = len(d)
		}
	}
	return n
}

func (s *DelimiterSpec) all() []string {
	out := []string{s.ThinkOpen, s.ThinkClose, s.ToolOpen, s.ToolClose}
	return append(out, s.DropMarkers...)
}

func (s *DelimiterSpec) hasThink() bool { return s.ThinkOpen != "" }
func (s *DelimiterSpec) hasTool() bool  { return s.ToolOpen != "" }

// callID derives the identifier of the call at index.
func (s *DelimiterSpec) callID(index int) string {
	return fmt.Sprintf("%s%d", s.CallIDPrefix, index)
}
