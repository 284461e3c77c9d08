package checker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/markschecker/internal/models"
)

const maxOffers = 5

// entity is one product entry keyed by its id, kept in document order.
type entity struct {
	Key string
	Raw json.RawMessage
}

var errNotObject = errors.New("value is not a JSON object")

// orderedObject decodes a JSON object into its members without losing order.
// A null or absent value yields no entries.
func orderedObject(raw json.RawMessage) ([]entity, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	var out []entity
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", keyTok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		out = append(out, entity{Key: key, Raw: val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

// productEntities returns entities.product of a search payload or state blob.
func productEntities(payload json.RawMessage) ([]entity, error) {
	var doc struct {
		Entities struct {
			Product json.RawMessage `json:"product"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return orderedObject(doc.Entities.Product)
}

var salvagePattern = regexp.MustCompile(`\{[^{}]*"productId"\s*:\s*"([^"]+)"[^{}]*\}`)

// salvageEntities recovers flat product objects from a body that is not valid JSON.
func salvageEntities(body []byte) []entity {
	index := map[string]int{}
	var out []entity

	for _, m := range salvagePattern.FindAll(body, -1) {
		var head struct {
			ProductID string `json:"productId"`
		}
		if err := json.Unmarshal(m, &head); err != nil || head.ProductID == "" {
			continue
		}
		if i, ok := index[head.ProductID]; ok {
			out[i].Raw = json.RawMessage(m)
			continue
		}
		index[head.ProductID] = len(out)
		out = append(out, entity{Key: head.ProductID, Raw: json.RawMessage(m)})
	}
	return out
}

// flexString accepts a JSON string or number and ignores anything else.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*s = flexString(num.String())
	}
	return nil
}

// flexFloat accepts a JSON number or numeric string.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		f.v, f.ok = num, true
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		str = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(str), "$"))
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			f.v, f.ok = v, true
		}
	}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.ok {
		return nil
	}
	v := f.v
	return &v
}

type flexBool bool

func (fb *flexBool) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*fb = flexBool(v)
	}
	return nil
}

// flexCategory accepts "a/b" or ["a","b"].
type flexCategory string

func (c *flexCategory) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*c = flexCategory(str)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(b, &parts); err == nil {
		*c = flexCategory(strings.Join(parts, " > "))
	}
	return nil
}

type amountBlock struct {
	Amount flexFloat `json:"amount"`
}

// lenient decodes into V when the shape matches and leaves it zero otherwise.
type lenient[T any] struct {
	V T
}

func (l *lenient[T]) UnmarshalJSON(b []byte) error {
	_ = json.Unmarshal(b, &l.V)
	return nil
}

type priceBlock struct {
	Current  amountBlock `json:"current"`
	Original amountBlock `json:"original"`
	Unit     struct {
		Current amountBlock `json:"current"`
		Label   flexString  `json:"label"`
	} `json:"unit"`
}

type rawProduct struct {
	ProductID         flexString   `json:"productId"`
	RetailerProductID flexString   `json:"retailerProductId"`
	Name              flexString   `json:"name"`
	Brand             flexString   `json:"brand"`
	Available         flexBool     `json:"available"`
	CategoryPath      flexCategory `json:"categoryPath"`
	Image             lenient[struct {
		BaseURL flexString `json:"baseUrl"`
	}] `json:"image"`
	ImageURL flexString                 `json:"imageUrl"`
	Price    lenient[priceBlock]        `json:"price"`
	Currency flexString                 `json:"currency"`
	Offers   lenient[[]json.RawMessage] `json:"offers"`
}

// decodeProduct maps one storefront entity onto models.Product.
func decodeProduct(raw json.RawMessage) (models.Product, error) {
	var rp rawProduct
	if err := json.Unmarshal(raw, &rp); err != nil {
		return models.Product{}, err
	}

	p := models.Product{
		ProductID:         string(rp.ProductID),
		RetailerProductID: string(rp.RetailerProductID),
		Name:              string(rp.Name),
		Brand:             string(rp.Brand),
		Available:         bool(rp.Available),
		Category:          string(rp.CategoryPath),
		ImageURL:          string(rp.ImageURL),
		CurrentPrice:      rp.Price.V.Current.Amount.ptr(),
		OriginalPrice:     rp.Price.V.Original.Amount.ptr(),
		UnitPrice:         rp.Price.V.Unit.Current.Amount.ptr(),
		UnitLabel:         string(rp.Price.V.Unit.Label),
		Currency:          string(rp.Currency),
		Offers:            rp.Offers.V,
	}
	if base := string(rp.Image.V.BaseURL); base != "" {
		p.ImageURL = base
	}
	if p.Currency == "" {
		p.Currency = "CAD"
	}
	if len(p.Offers) > maxOffers {
		p.Offers = p.Offers[:maxOffers]
	}
	if p.Offers == nil {
		p.Offers = []json.RawMessage{}
	}
	p.DiscountPercentage = discount(p.CurrentPrice, p.OriginalPrice)

	return p, nil
}

// discount is the rounded percentage off when original exceeds current.
func discount(current, original *float64) *int {
	if current == nil || original == nil || *original <= 0 || *original <= *current {
		return nil
	}
	pct := int(math.RoundToEven((*original - *current) / *original * 100))
	return &pct
}

// selectProducts keeps up to params.MaxProducts() recognizable products.
// recognized is false when none of the selected entities looked like a product.
func selectProducts(entities []entity, params models.SearchParams) (products []models.Product, recognized bool) {
	limit := params.MaxProducts()
	if len(entities) > limit {
		entities = entities[:limit]
	}

	for _, e := range entities {
		p, err := decodeProduct(e.Raw)
		if err != nil || !p.Recognizable() {
			continue
		}
		products = append(products, p)
	}
	return products, len(products) > 0
}
