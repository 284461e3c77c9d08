package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxBodyBytes = 4 << 20

// limitValue accepts "all", "10" or 10.
type limitValue string

func (l *limitValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = limitValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("limit must be a string or a number")
	}
	*l = limitValue(n.String())
	return nil
}

// indexValue accepts 1 or "1".
type indexValue struct {
	n   int
	set bool
}

func (i *indexValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("chunkIndex must be an integer")
	}
	i.n, i.set = n, true
	return nil
}

type startPayload struct {
	GlobalSid      string     `json:"globalSid"`
	SessionID      string     `json:"sessionId"`
	VoilaSessionID string     `json:"voilaSessionId"`
	SearchTerm     string     `json:"searchTerm"`
	SearchTerms    string     `json:"search_terms"`
	Terms          []string   `json:"terms"`
	SearchType     string     `json:"searchType"`
	Limit          limitValue `json:"limit"`
}

func (p startPayload) credential() string {
	return firstNonEmpty(p.GlobalSid, p.SessionID, p.VoilaSessionID)
}

func (p startPayload) rawTerms() string {
	return firstNonEmpty(p.SearchTerm, p.SearchTerms)
}

type chunkPayload struct {
	ChunkIndex       indexValue `json:"chunkIndex"`
	LegacyChunkIndex indexValue `json:"chunk_index"`
	SearchTerms      []string   `json:"searchTerms"`
	Terms            []string   `json:"terms"`
	GlobalSid        string     `json:"globalSid"`
	SessionID        string     `json:"sessionId"`
	LegacySessionID  string     `json:"session_id"`
	VoilaSessionID   string     `json:"voilaSessionId"`
	Limit            limitValue `json:"limit"`
}

// credential ignores sessionId: on chunk requests it names the session.
func (p chunkPayload) credential() string {
	return firstNonEmpty(p.GlobalSid, p.VoilaSessionID)
}

func (p chunkPayload) session() string {
	return firstNonEmpty(p.SessionID, p.LegacySessionID)
}

func (p chunkPayload) index() int {
	if p.ChunkIndex.set {
		return p.ChunkIndex.n
	}
	return p.LegacyChunkIndex.n
}

func (p chunkPayload) terms() []string {
	if len(p.SearchTerms) > 0 {
		return p.SearchTerms
	}
	return p.Terms
}

type cleanupPayload struct {
	SessionID       string `json:"sessionId"`
	LegacySessionID string `json:"session_id"`
}

func (p cleanupPayload) session() string {
	return firstNonEmpty(p.SessionID, p.LegacySessionID)
}

// decode reads a JSON body. An empty body decodes to the zero value so
// that the handler reports the missing fields instead.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
