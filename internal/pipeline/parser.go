package pipeline

import "strings"

type parserMode int

const (
	modeLiteral parserMode = iota
	modeThinking
	modeTool
)

func (m parserMode) String() string {
	switch m {
	case modeThinking:
		return "thinking"
	case modeTool:
		return "tool"
	default:
		return "literal"
	}
}

type delimKind int

const (
	delimToolOpen delimKind = iota
	delimToolClose
	delimThinkOpen
	delimThinkClose
	delimDrop
)

// candidate is a delimiter the parser is looking for in the current mode.
type candidate struct {
	text string
	kind delimKind
}

// rank orders delimiter kinds for ties: tool delimiters first, then
// thinking delimiters, then drop markers.
func (c candidate) rank() int {
	switch c.kind {
	case delimToolOpen, delimToolClose:
		return 0
	case delimThinkOpen, delimThinkClose:
		return 1
	default:
		return 2
	}
}

// beats reports whether c takes precedence over o at the same position.
// Equal ranks go to the longer delimiter.
func (c candidate) beats(o candidate) bool {
	if c.rank() != o.rank() {
		return c.rank() < o.rank()
	}
	return len(c.text) > len(o.text)
}

// match is the result of scanning the pending buffer.
type match struct {
	pos     int
	cand    candidate
	partial bool
}

// scan finds the earliest delimiter in buf. Delimiters starting at the same
// position are ranked by kind, tool before thinking before drop markers. A
// tail of buf that is a strict prefix of a candidate counts as a partial
// match unless final is set; it holds the scan back when it is earlier than
// every full match or outranks the full match at its position.
func scan(buf string, cands []candidate, final bool) (match, bool) {
	best := match{pos: -1}
	for _, c := range cands {
		i := strings.Index(buf, c.text)
		if i < 0 {
			continue
		}
		if best.pos < 0 || i < best.pos || (i == best.pos && c.beats(best.cand)) {
			best = match{pos: i, cand: c}
		}
	}
	if !final {
		if j, c, ok := partialTail(buf, cands); ok && (best.pos < 0 || j < best.pos || (j == best.pos && c.beats(best.cand))) {
			best = match{pos: j, cand: c, partial: true}
		}
	}
	return best, best.pos >= 0
}

// partialTail returns the earliest position j such that buf[j:] is a
// strict, non-empty prefix of some candidate, with the highest ranked
// candidate it could still become.
func partialTail(buf string, cands []candidate) (int, candidate, bool) {
	longest := 0
	for _, c := range cands {
		if len(c.text) > longest {
			longest = len(c.text)
		}
	}
	start := len(buf) - longest + 1
	if start < 0 {
		start = 0
	}
	for j := start; j < len(buf); j++ {
		tail := buf[j:]
		var best candidate
		found := false
		for _, c := range cands {
			if len(tail) < len(c.text) && strings.HasPrefix(c.text, tail) && (!found || c.beats(best)) {
				best, found = c, true
			}
		}
		if found {
			return j, best, true
		}
	}
	return 0, candidate{}, false
}

// Parser is the incremental tag parser. It turns raw text increments into
// typed events, holding back only the bytes that might still turn into a
// delimiter. A Parser serves exactly one response and is not safe for
// concurrent use.
type Parser struct {
	spec     *DelimiterSpec
	observer Observer

	mode  parserMode
	stack []parserMode

	pending   string
	toolRaw   strings.Builder
	toolIndex int
	calls     []ToolCall
	finished  bool

	// sawThink is set once a think-open delimiter has been consumed.
	sawThink bool
}

// NewParser creates a parser in literal mode.
func NewParser(spec *DelimiterSpec, observer Observer) *Parser {
	if observer == nil {
		observer = NopObserver()
	}
	return &Parser{spec: spec, observer: observer}
}

// Feed consumes the next raw increment.
func (p *Parser) Feed(chunk string) []Event {
	if p.finished || chunk == "" {
		return nil
	}
	p.pending += chunk
	return p.drain(nil, false)
}

// Finalize flushes every withheld byte as text of the current type and
// terminates the event stream with End. Later calls return nil.
func (p *Parser) Finalize() []Event {
	if p.finished {
		return nil
	}
	out := p.drain(nil, true)
	p.finished = true
	p.pending = ""
	return append(out, End())
}

// Flush emits withheld bytes as text of the current type without ending
// the stream. An open tool call is degraded.
func (p *Parser) Flush() []Event {
	if p.finished {
		return nil
	}
	return p.drain(nil, true)
}

// Buffered is the number of bytes currently held back.
func (p *Parser) Buffered() int {
	return len(p.pending) + p.toolRaw.Len()
}

// SawThink reports whether a think block has been opened, even one that
// closed again without content.
func (p *Parser) SawThink() bool {
	return p.sawThink
}

// Calls lists the tool calls decoded so far.
func (p *Parser) Calls() []ToolCall {
	return append([]ToolCall(nil), p.calls...)
}

func (p *Parser) drain(out []Event, final bool) []Event {
	for {
		var progressed bool
		if p.mode == modeTool {
			progressed, out = p.stepTool(out, final)
		} else {
			progressed, out = p.stepText(out, final)
		}
		if !progressed {
			return out
		}
	}
}

func (p *Parser) textCandidates() []candidate {
	cands := make([]candidate, 0, 3+len(p.spec.DropMarkers))
	if p.spec.hasTool() {
		cands = append(cands, candidate{p.spec.ToolOpen, delimToolOpen})
	}
	if p.spec.hasThink() {
		if p.mode == modeThinking {
			cands = append(cands, candidate{p.spec.ThinkClose, delimThinkClose})
		} else {
			cands = append(cands, candidate{p.spec.ThinkOpen, delimThinkOpen})
		}
	}
	for _, m := range p.spec.DropMarkers {
		cands = append(cands, candidate{m, delimDrop})
	}
	return cands
}

func (p *Parser) toolCandidates() []candidate {
	cands := []candidate{{p.spec.ToolClose, delimToolClose}}
	if p.parentMode() == modeThinking {
		cands = append(cands, candidate{p.spec.ThinkClose, delimThinkClose})
	}
	return cands
}

func (p *Parser) parentMode() parserMode {
	if n := len(p.stack); n > 0 {
		return p.stack[n-1]
	}
	return modeLiteral
}

// stepText handles literal and thinking mode. It reports whether a
// delimiter was consumed, in which case the caller scans again.
func (p *Parser) stepText(out []Event, final bool) (bool, []Event) {
	reasoning := p.mode == modeThinking
	m, ok := scan(p.pending, p.textCandidates(), final)
	if !ok {
		if p.pending != "" {
			out = append(out, textEvent(reasoning, p.pending))
			p.pending = ""
		}
		return false, out
	}
	if m.pos > 0 {
		out = append(out, textEvent(reasoning, p.pending[:m.pos]))
	}
	if m.partial {
		p.pending = p.pending[m.pos:]
		return false, out
	}
	p.pending = p.pending[m.pos+len(m.cand.text):]
	switch m.cand.kind {
	case delimToolOpen:
		p.stack = append(p.stack, p.mode)
		p.mode = modeTool
		p.toolIndex = len(p.calls)
		out = append(out, toolCallStart(p.toolIndex))
	case delimThinkOpen:
		p.mode = modeThinking
		p.sawThink = true
	case delimThinkClose:
		p.mode = modeLiteral
	}
	return true, out
}

// stepTool accumulates a tool-call body until its close delimiter.
func (p *Parser) stepTool(out []Event, final bool) (bool, []Event) {
	m, ok := scan(p.pending, p.toolCandidates(), final)
	safe := len(p.pending)
	if ok {
		safe = m.pos
	}
	if p.toolRaw.Len()+safe > p.spec.BufferLimit {
		return true, p.degrade(out, DegradeBufferOverflow, nil)
	}
	if !ok && final {
		return true, p.degrade(out, DegradeUnterminated, nil)
	}
	if ok && !m.partial && m.cand.kind == delimThinkClose {
		return true, p.degrade(out, DegradeThinkClosed, nil)
	}

	if safe > 0 {
		chunk := p.pending[:safe]
		p.toolRaw.WriteString(chunk)
		out = append(out, toolCallArgDelta(p.toolIndex, chunk))
		p.pending = p.pending[safe:]
	}
	if !ok || m.partial {
		return false, out
	}

	p.pending = p.pending[len(m.cand.text):]
	raw := p.toolRaw.String()
	p.toolRaw.Reset()
	p.popMode()

	body := p.stripDrops(raw)
	call, err := Decode(p.spec, body)
	if err != nil {
		p.observer.ToolCallDegraded(DegradeDecodeFailed, err)
		out = append(out, toolCallAbort(p.toolIndex))
		return true, append(out, textEvent(p.mode == modeThinking, p.spec.ToolOpen+body+p.spec.ToolClose))
	}
	call.Index = p.toolIndex
	call.ID = p.spec.callID(call.Index)
	p.calls = append(p.calls, call)
	p.observer.ToolCallDecoded(call)
	return true, append(out, toolCallEnd(call))
}

// degrade abandons the current tool call. The open delimiter becomes text
// of the parent mode and the body is pushed back to be scanned again in that
// mode.
func (p *Parser) degrade(out []Event, reason DegradeReason, err error) []Event {
	p.observer.ToolCallDegraded(reason, err)
	out = append(out, toolCallAbort(p.toolIndex))
	p.pending = p.toolRaw.String() + p.pending
	p.toolRaw.Reset()
	p.popMode()
	return append(out, textEvent(p.mode == modeThinking, p.spec.ToolOpen))
}

func (p *Parser) popMode() {
	p.mode = p.parentMode()
	if n := len(p.stack); n > 0 {
		p.stack = p.stack[:n-1]
	}
}

func (p *Parser) stripDrops(body string) string {
	for _, m := range p.spec.DropMarkers {
		body = strings.ReplaceAll(body, m, "")
	}
	return body
}
