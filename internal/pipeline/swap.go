package pipeline

import "fmt"

// SwapMode selects the direction of the reasoning/content swap.
type SwapMode string

const (
	SwapNone               SwapMode = "none"
	SwapReasoningToContent SwapMode = "reasoning_to_content"
	SwapContentToReasoning SwapMode = "content_to_reasoning"
	SwapAuto               SwapMode = "auto"
)

// SwapParams are the params accepted by the reasoning_swap stage.
type SwapParams struct {
	Mode           string `yaml:"mode"`
	ThinkTag       string `yaml:"think_tag"`
	ThinkOpen      string `yaml:"think_open"`
	ThinkClose     string `yaml:"think_close"`
	OpenPrefix     string `yaml:"open_prefix"`
	OpenSuffix     string `yaml:"open_suffix"`
	ClosePrefix    string `yaml:"close_prefix"`
	CloseSuffix    string `yaml:"close_suffix"`
	IncludeNewline *bool  `yaml:"include_newline"`
	BufferLimit    int    `yaml:"buffer_limit"`
}

// swapStage rewrites the content/reasoning split of typed events. It never
// sees raw text, so markers consumed by an earlier stage cannot be detected
// twice.
type swapStage struct {
	mode   SwapMode
	active SwapMode

	openWrap       string
	closeWrap      string
	includeNewline bool

	open           bool
	pendingNewline bool

	// scanner finds think markers in literal text for content_to_reasoning
	// and auto.
	scanner *Parser
}

func newSwapStage(params Params, env Env) (Stage, error) {
	var p SwapParams
	if err := params.Decode(&p); err != nil {
		return nil, err
	}
	return NewSwapStage(p, env)
}

// NewSwapStage validates p and builds the stage.
func NewSwapStage(p SwapParams, env Env) (Stage, error) {
	mode := SwapMode(p.Mode)
	if mode == "" {
		mode = SwapAuto
	}
	switch mode {
	case SwapNone, SwapReasoningToContent, SwapContentToReasoning, SwapAuto:
	default:
		return nil, fmt.Errorf("unknown swap mode %q", p.Mode)
	}

	thinkOpen := pickDelimiter(p.ThinkOpen, p.ThinkTag, openTag)
	thinkClose := pickDelimiter(p.ThinkClose, p.ThinkTag, closeTag)
	if thinkOpen == "" && thinkClose == "" {
		thinkOpen, thinkClose = openTag("think"), closeTag("think")
	}

	s := &swapStage{
		mode:           mode,
		openWrap:       p.OpenPrefix + thinkOpen + p.OpenSuffix,
		closeWrap:      p.ClosePrefix + thinkClose + p.CloseSuffix,
		includeNewline: p.IncludeNewline == nil || *p.IncludeNewline,
	}
	if mode != SwapAuto {
		s.active = mode
	}
	if mode == SwapContentToReasoning || mode == SwapAuto {
		spec, err := NewDelimiterSpec(TagExtractParams{
			ThinkOpen:   thinkOpen,
			ThinkClose:  thinkClose,
			BufferLimit: p.BufferLimit,
		})
		if err != nil {
			return nil, err
		}
		s.scanner = NewParser(spec, env.Observer)
	}
	return s, nil
}

func (s *swapStage) Name() string { return StageReasoningSwap }

func (s *swapStage) Process(ev Event) []Event {
	switch s.active {
	case SwapNone:
		return []Event{ev}
	case SwapReasoningToContent:
		return s.reasoningToContent(nil, ev)
	case SwapContentToReasoning:
		return s.contentToReasoning(ev)
	default:
		return s.undecided(ev)
	}
}

func (s *swapStage) reasoningToContent(out []Event, ev Event) []Event {
	switch ev.Type {
	case EventReasoning:
		if ev.Text == "" {
			return out
		}
		if !s.open {
			out = append(out, Literal(s.openWrap))
			s.open = true
			s.pendingNewline = false
		}
		return append(out, Literal(ev.Text))
	case EventLiteral:
		if ev.Text == "" {
			return out
		}
		if s.open {
			out = append(out, Literal(s.closeWrap))
			s.open = false
			s.pendingNewline = s.includeNewline
		}
		if s.pendingNewline {
			out = append(out, Literal("\n"))
			s.pendingNewline = false
		}
		return append(out, ev)
	case EventEnd:
		if s.open {
			out = append(out, Literal(s.closeWrap))
			s.open = false
		}
		return append(out, ev)
	default:
		return append(out, ev)
	}
}

func (s *swapStage) contentToReasoning(ev Event) []Event {
	switch ev.Type {
	case EventLiteral:
		return s.scanner.Feed(ev.Text)
	case EventEnd:
		return s.scanner.Finalize()
	default:
		// Literal text on either side of another event is never contiguous,
		// so a withheld partial marker cannot complete.
		return append(s.scanner.Flush(), ev)
	}
}

// undecided implements auto mode until the first signal: upstream reasoning
// selects reasoning_to_content, a think marker in literal text selects
// content_to_reasoning.
func (s *swapStage) undecided(ev Event) []Event {
	switch ev.Type {
	case EventReasoning:
		s.active = SwapReasoningToContent
		var out []Event
		for _, f := range s.scanner.Flush() {
			out = s.reasoningToContent(out, f)
		}
		return s.reasoningToContent(out, ev)
	default:
		out := s.contentToReasoning(ev)
		if s.scanner.SawThink() {
			s.active = SwapContentToReasoning
		}
		return out
	}
}
