// Package stream reconstructs structured thinking/answer phases from an
// arbitrarily chunked completion text stream. The parser is a pure state
// machine with no I/O; the pipeline feeds it chunks and forwards its events.
package stream

import "strings"

// EventType identifies a parser event.
type EventType string

const (
	ThinkingDelta    EventType = "thinking_delta"
	ThinkingComplete EventType = "thinking_complete"
	AnswerStart      EventType = "answer_start"
	AnswerDelta      EventType = "answer_delta"
	AnswerComplete   EventType = "answer_complete"
)

// Event is one structured parser output. Text carries the delta for delta
// events and the full accumulated content for complete events.
type Event struct {
	Type EventType
	Text string
}

// Phase is the parser's current position in the stream.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseThinking
	PhaseAnswer
	PhaseDone
)

const (
	tagThinkingOpen  = "<thinking>"
	tagThinkingClose = "</thinking>"
	tagAnswerOpen    = "<answer>"
	tagAnswerClose   = "</answer>"

	// Some providers never emit answer tags and instead announce the answer
	// with a phrase. Matched case-insensitively, only outside thinking spans.
	answerPhrase = "final answer:"
)

// Result is the parser's final verdict after the stream ends.
type Result struct {
	// Answer is the final answer text: tagged answer content when the stream
	// produced answer tags, otherwise the untagged remainder.
	Answer string

	// Thinking is all accumulated thinking content.
	Thinking string

	// Fallback is true when the stream ended without an answer phase and the
	// answer was recovered from the untagged text. Callers log this path.
	Fallback bool
}

// Parser turns a chunked character stream into thinking/answer events.
// Chunks may split a tag anywhere; the parser holds back any trailing bytes
// that could still complete a tag, so partial tag text is never emitted as
// content. Not safe for concurrent use; each stream gets its own Parser.
type Parser struct {
	phase   Phase
	pending string

	thinking strings.Builder
	answer   strings.Builder
	// untagged collects content outside any recognized span, used as the
	// end-of-stream fallback answer.
	untagged strings.Builder
}

// NewParser creates a parser in the idle phase.
func NewParser() *Parser {
	return &Parser{}
}

// Phase returns the current parse phase.
func (p *Parser) Phase() Phase {
	return p.phase
}

// Feed consumes one chunk and returns the events it completes. An empty
// return means the chunk only extended internal state (e.g. ended inside a
// possible tag).
func (p *Parser) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	data := p.pending + chunk
	p.pending = ""

	var events []Event
	for data != "" {
		switch p.phase {
		case PhaseIdle:
			idx, tok := findFirstToken(data, tagThinkingOpen, tagAnswerOpen, answerPhrase)
			if idx < 0 {
				safe, keep := splitHoldback(data, tagThinkingOpen, tagAnswerOpen, answerPhrase)
				p.untagged.WriteString(safe)
				p.pending = keep
				return events
			}
			p.untagged.WriteString(data[:idx])
			data = data[idx+len(tok):]
			if tok == tagThinkingOpen {
				p.phase = PhaseThinking
			} else {
				p.phase = PhaseAnswer
				events = append(events, Event{Type: AnswerStart})
			}

		case PhaseThinking:
			idx := strings.Index(data, tagThinkingClose)
			if idx < 0 {
				safe, keep := splitHoldback(data, tagThinkingClose)
				if safe != "" {
					p.thinking.WriteString(safe)
					events = append(events, Event{Type: ThinkingDelta, Text: safe})
				}
				p.pending = keep
				return events
			}
			if idx > 0 {
				p.thinking.WriteString(data[:idx])
				events = append(events, Event{Type: ThinkingDelta, Text: data[:idx]})
			}
			events = append(events, Event{Type: ThinkingComplete, Text: p.thinking.String()})
			p.phase = PhaseIdle
			data = data[idx+len(tagThinkingClose):]

		case PhaseAnswer:
			idx := strings.Index(data, tagAnswerClose)
			if idx < 0 {
				safe, keep := splitHoldback(data, tagAnswerClose)
				if safe != "" {
					p.answer.WriteString(safe)
					events = append(events, Event{Type: AnswerDelta, Text: safe})
				}
				p.pending = keep
				return events
			}
			if idx > 0 {
				p.answer.WriteString(data[:idx])
				events = append(events, Event{Type: AnswerDelta, Text: data[:idx]})
			}
			events = append(events, Event{Type: AnswerComplete, Text: p.answer.String()})
			p.phase = PhaseDone
			data = data[idx+len(tagAnswerClose):]

		case PhaseDone:
			// Everything after </answer> is discarded.
			data = ""
		}
	}
	return events
}

// Finish flushes held-back bytes and closes any open phase. It returns the
// closing events plus the stream's final Result. The parser must not be fed
// after Finish.
func (p *Parser) Finish() ([]Event, Result) {
	var events []Event

	switch p.phase {
	case PhaseIdle:
		// A trailing tag prefix that never completed is ordinary content.
		p.untagged.WriteString(p.pending)
	case PhaseThinking:
		if p.pending != "" {
			p.thinking.WriteString(p.pending)
			events = append(events, Event{Type: ThinkingDelta, Text: p.pending})
		}
		events = append(events, Event{Type: ThinkingComplete, Text: p.thinking.String()})
	case PhaseAnswer:
		if p.pending != "" {
			p.answer.WriteString(p.pending)
			events = append(events, Event{Type: AnswerDelta, Text: p.pending})
		}
		events = append(events, Event{Type: AnswerComplete, Text: p.answer.String()})
	}
	p.pending = ""

	res := Result{Thinking: p.thinking.String()}
	if p.phase == PhaseAnswer || p.phase == PhaseDone {
		res.Answer = p.answer.String()
	} else {
		res.Answer = p.untagged.String()
		res.Fallback = true
	}
	p.phase = PhaseDone
	return events, res
}

// findFirstToken returns the earliest occurrence of any token. Tags match
// exactly; the answer phrase matches case-insensitively.
func findFirstToken(data string, tokens ...string) (int, string) {
	best := -1
	var bestTok string
	for _, tok := range tokens {
		var i int
		if tok == answerPhrase {
			i = indexFold(data, tok)
		} else {
			i = strings.Index(data, tok)
		}
		if i >= 0 && (best < 0 || i < best) {
			best, bestTok = i, tok
		}
	}
	return best, bestTok
}

// splitHoldback splits data into a safe-to-emit prefix and the longest suffix
// that could still be the start of one of the tokens. The holdback is bounded
// by the longest token length, so buffering stays O(1).
func splitHoldback(data string, tokens ...string) (safe, keep string) {
	maxKeep := 0
	for _, tok := range tokens {
		limit := len(tok) - 1
		if limit > len(data) {
			limit = len(data)
		}
		for k := limit; k > maxKeep; k-- {
			if strings.EqualFold(data[len(data)-k:], tok[:k]) {
				maxKeep = k
				break
			}
		}
	}
	return data[:len(data)-maxKeep], data[len(data)-maxKeep:]
}

// indexFold is a byte-index ASCII case-insensitive substring search.
// strings.ToLower cannot be used for index math because some runes change
// byte length when lowered.
func indexFold(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}
