package models

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

type Region struct {
	ID             string `json:"regionId"`
	Nickname       string `json:"nickname"`
	DisplayAddress string `json:"displayAddress,omitempty"`
	PostalCode     string `json:"postalCode,omitempty"`
}

func (r Region) Known() bool {
	return r.ID != ""
}

// UnknownRegion is the terminal value when no region could be derived.
func UnknownRegion(nickname, reason string) Region {
	if nickname == "" {
		nickname = "Unknown"
	}
	return Region{Nickname: nickname, DisplayAddress: reason}
}

type SearchType string

const (
	SearchArticle SearchType = "article"
	SearchKeyword SearchType = "keyword"
)

func ParseSearchType(s string) (SearchType, bool) {
	switch SearchType(strings.ToLower(strings.TrimSpace(s))) {
	case "", SearchArticle:
		return SearchArticle, true
	case SearchKeyword:
		return SearchKeyword, true
	}
	return "", false
}

const (
	MaxLimit     = 50
	DefaultLimit = 10
)

type SearchParams struct {
	Type  SearchType `json:"type"`
	Limit string     `json:"limit"`
}

// ResolveLimit maps the user-facing limit to a product count:
// "all" is 50, integers are clamped to [1,50], anything else is 10.
func ResolveLimit(limit string) int {
	limit = strings.TrimSpace(limit)
	if strings.EqualFold(limit, "all") {
		return MaxLimit
	}
	n, err := strconv.Atoi(limit)
	if err != nil {
		return DefaultLimit
	}
	return max(1, min(n, MaxLimit))
}

// MaxProducts is how many products a single term may keep.
func (p SearchParams) MaxProducts() int {
	if p.Type == SearchArticle || p.Type == "" {
		return 1
	}
	return ResolveLimit(p.Limit)
}

type ChunkSummary struct {
	Index       int       `json:"chunkIndex"`
	Counts      Counts    `json:"counts"`
	Results     []Result  `json:"-"`
	CompletedAt time.Time `json:"completedAt"`
}

type SessionState string

const (
	StateRegionKnown   SessionState = "region_known"
	StateRegionUnknown SessionState = "region_unknown"
	StateProcessing    SessionState = "processing"
	StateCompleted     SessionState = "completed"
)

type Session struct {
	ID         string               `json:"id"`
	Region     Region               `json:"region"`
	Search     SearchParams         `json:"search"`
	Terms      []string             `json:"terms"`
	Duplicates []string             `json:"duplicates"`
	ContainsEA bool                 `json:"containsEaCodes"`
	ChunkSize  int                  `json:"chunkSize"`
	Chunks     map[int]ChunkSummary `json:"chunks"`
	Counts     Counts               `json:"counts"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

func (s *Session) TotalChunks() int {
	if s.ChunkSize <= 0 {
		return 0
	}
	return (len(s.Terms) + s.ChunkSize - 1) / s.ChunkSize
}

// Chunk returns the canonical terms of chunk i.
func (s *Session) Chunk(i int) ([]string, bool) {
	if i < 0 || i >= s.TotalChunks() {
		return nil, false
	}
	start := i * s.ChunkSize
	end := min(start+s.ChunkSize, len(s.Terms))
	return s.Terms[start:end], true
}

func (s *Session) Completed() bool {
	total := s.TotalChunks()
	if total == 0 {
		return false
	}
	for i := 0; i < total; i++ {
		if _, ok := s.Chunks[i]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) State() SessionState {
	switch {
	case s.Completed():
		return StateCompleted
	case len(s.Chunks) > 0:
		return StateProcessing
	case s.Region.Known():
		return StateRegionKnown
	default:
		return StateRegionUnknown
	}
}

// Clone returns a deep copy safe to hand out of a store.
func (s *Session) Clone() *Session {
	c := *s
	c.Terms = slices.Clone(s.Terms)
	c.Duplicates = slices.Clone(s.Duplicates)
	c.Chunks = make(map[int]ChunkSummary, len(s.Chunks))
	for k, v := range s.Chunks {
		v.Counts = cloneCounts(v.Counts)
		v.Results = nil
		c.Chunks[k] = v
	}
	c.Counts = cloneCounts(s.Counts)
	return &c
}

func cloneCounts(c Counts) Counts {
	out := c
	out.ByStatus = make(map[Status]int, len(c.ByStatus))
	for k, v := range c.ByStatus {
		out.ByStatus[k] = v
	}
	return out
}
