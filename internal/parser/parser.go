package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StateVariable is the global the storefront assigns its client state to.
const StateVariable = "window.__INITIAL_STATE__"

var (
	ErrStateNotFound  = errors.New("initial state script not found")
	ErrStateMalformed = errors.New("initial state is not a JSON object")
)

// Parser extracts the embedded client state from a storefront HTML page.
type Parser interface {
	ExtractState(html []byte) (json.RawMessage, error)
}

type StateParser struct{}

func NewStateParser() *StateParser {
	return &StateParser{}
}

func (p *StateParser) ExtractState(html []byte) (json.RawMessage, error) {
	return ExtractInitialState(html)
}

// ExtractInitialState finds the <script> assigning StateVariable and decodes
// the first JSON object after the "=". Trailing statements are ignored.
func ExtractInitialState(html []byte) (json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var script string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if strings.Contains(text, StateVariable) {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return nil, ErrStateNotFound
	}

	rest := script[strings.Index(script, StateVariable)+len(StateVariable):]
	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return nil, ErrStateMalformed
	}
	rest = strings.TrimSpace(rest[eq+1:])
	if !strings.HasPrefix(rest, "{") {
		return nil, ErrStateMalformed
	}

	var state json.RawMessage
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateMalformed, err)
	}
	return state, nil
}
