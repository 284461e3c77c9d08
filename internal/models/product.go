package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusFound      Status = "found"
	StatusNotFound   Status = "not_found"
	StatusFetchError Status = "fetch_error"
	StatusParseError Status = "parse_error"
	StatusTimeout    Status = "timeout"
)

// Statuses lists every terminal term status in reporting order.
var Statuses = []Status{StatusFound, StatusNotFound, StatusFetchError, StatusParseError, StatusTimeout}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Source tells which strategy produced a found result.
type Source string

const (
	SourceAPI        Source = "api"
	SourceAPISalvage Source = "api_salvage"
	SourcePage       Source = "page"
)

type Product struct {
	ProductID          string            `json:"productId"`
	RetailerProductID  string            `json:"retailerProductId,omitempty"`
	Name               string            `json:"name"`
	Brand              string            `json:"brand,omitempty"`
	Available          bool              `json:"available"`
	Category           string            `json:"category,omitempty"`
	ImageURL           string            `json:"imageUrl,omitempty"`
	CurrentPrice       *float64          `json:"currentPrice"`
	OriginalPrice      *float64          `json:"originalPrice"`
	DiscountPercentage *int              `json:"discountPercentage"`
	UnitPrice          *float64          `json:"unitPrice"`
	UnitLabel          string            `json:"unitLabel,omitempty"`
	Currency           string            `json:"currency"`
	Offers             []json.RawMessage `json:"offers"`
}

// Recognizable reports whether enough of the payload survived to call it a product.
func (p Product) Recognizable() bool {
	if p.ProductID == "" && p.RetailerProductID == "" {
		return false
	}
	return p.Name != "" || p.CurrentPrice != nil
}

// Result is the terminal outcome for one term within a session.
type Result struct {
	Term       string    `json:"term"`
	Status     Status    `json:"status"`
	Products   []Product `json:"products,omitempty"`
	TotalFound int       `json:"totalFound"`
	Source     Source    `json:"source,omitempty"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

func (r Result) Found() bool {
	return r.Status == StatusFound
}

func NotFoundMessage(term string) string {
	return fmt.Sprintf("The article %q was not found. It may not be published yet or could be a typo.", term)
}

// Counts aggregates results by status.
type Counts struct {
	Processed     int            `json:"processed"`
	ByStatus      map[Status]int `json:"byStatus"`
	ProductsFound int            `json:"productsFound"`
	TotalFound    int            `json:"totalFound"`
}

func NewCounts() Counts {
	return Counts{ByStatus: make(map[Status]int, len(Statuses))}
}

func (c *Counts) Record(r Result) {
	if c.ByStatus == nil {
		c.ByStatus = make(map[Status]int, len(Statuses))
	}
	c.Processed++
	c.ByStatus[r.Status]++
	c.ProductsFound += len(r.Products)
	c.TotalFound += r.TotalFound
}

func (c *Counts) Add(o Counts) {
	if c.ByStatus == nil {
		c.ByStatus = make(map[Status]int, len(Statuses))
	}
	c.Processed += o.Processed
	c.ProductsFound += o.ProductsFound
	c.TotalFound += o.TotalFound
	for s, n := range o.ByStatus {
		c.ByStatus[s] += n
	}
}

func (c Counts) Found() int {
	return c.ByStatus[StatusFound]
}
