package marketdata

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Well-known domain model codes. Servers accept either the code or the name.
const (
	DomainCodeLogin         = 1
	DomainCodeMarketPrice   = 6
	DomainCodeMarketByOrder = 7
	DomainCodeMarketByPrice = 8
)

// Domain model names as they appear on the wire
const (
	DomainLogin         = "Login"
	DomainMarketPrice   = "MarketPrice"
	DomainMarketByOrder = "MarketByOrder"
	DomainMarketByPrice = "MarketByPrice"
)

var domainNamesByCode = map[int]string{
	DomainCodeLogin:         DomainLogin,
	DomainCodeMarketPrice:   DomainMarketPrice,
	DomainCodeMarketByOrder: DomainMarketByOrder,
	DomainCodeMarketByPrice: DomainMarketByPrice,
}

// DomainModel identifies the category of market data of a stream.
// It is either a name ("MarketByOrder") or a numeric code (7), and encodes
// back to the wire in the same form it was given. The zero value means
// "not specified" and lets the server apply its default (MarketPrice).
type DomainModel struct {
	Name string
	Code int
}

// DomainByName returns a named domain model
func DomainByName(name string) DomainModel {
	return DomainModel{Name: name}
}

// DomainByCode returns a numeric domain model
func DomainByCode(code int) DomainModel {
	return DomainModel{Code: code}
}

// ParseDomainModel interprets user input: digits become a numeric code,
// anything else is taken as a domain name.
func ParseDomainModel(s string) DomainModel {
	s = strings.TrimSpace(s)
	if s == "" {
		return DomainModel{}
	}
	if code, err := strconv.Atoi(s); err == nil && code >= 0 {
		return DomainModel{Code: code}
	}
	return DomainModel{Name: s}
}

// IsZero reports whether no domain was given
func (d DomainModel) IsZero() bool {
	return d.Name == "" && d.Code == 0
}

// IsLogin reports whether d names the login domain
func (d DomainModel) IsLogin() bool {
	return d.Name == DomainLogin || (d.Name == "" && d.Code == DomainCodeLogin)
}

// Canonical returns the domain name, resolving known numeric codes.
// Absent domains resolve to MarketPrice, the server default.
func (d DomainModel) Canonical() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Code == 0 {
		return DomainMarketPrice
	}
	if name, ok := domainNamesByCode[d.Code]; ok {
		return name
	}
	return strconv.Itoa(d.Code)
}

// String returns the domain as the user gave it
func (d DomainModel) String() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Code != 0 {
		return strconv.Itoa(d.Code)
	}
	return ""
}

// MarshalJSON encodes names as strings and codes as numbers
func (d DomainModel) MarshalJSON() ([]byte, error) {
	if d.Name != "" {
		return json.Marshal(d.Name)
	}
	return []byte(strconv.Itoa(d.Code)), nil
}

// UnmarshalJSON accepts both the string and the numeric form
func (d *DomainModel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = DomainModel{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return fmt.Errorf("invalid domain %s: %w", data, err)
		}
		*d = DomainModel{Name: name}
		return nil
	}
	code, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid domain %s: %w", data, err)
	}
	*d = DomainModel{Code: code}
	return nil
}

// View is a server-side field filter: either numeric field IDs or field
// names, never both.
type View struct {
	FieldIDs   []int
	FieldNames []string
}

// IsZero reports whether no view was requested
func (v View) IsZero() bool {
	return len(v.FieldIDs) == 0 && len(v.FieldNames) == 0
}

// Len returns the number of requested fields
func (v View) Len() int {
	return len(v.FieldIDs) + len(v.FieldNames)
}

// MarshalJSON encodes the view as a flat array of IDs or names
func (v View) MarshalJSON() ([]byte, error) {
	if len(v.FieldIDs) > 0 && len(v.FieldNames) > 0 {
		return nil, fmt.Errorf("view mixes field IDs and field names")
	}
	if len(v.FieldIDs) > 0 {
		return json.Marshal(v.FieldIDs)
	}
	if len(v.FieldNames) > 0 {
		return json.Marshal(v.FieldNames)
	}
	return []byte("[]"), nil
}

// DomainItem pairs a symbol (RIC) with the domain it is requested on
type DomainItem struct {
	Domain DomainModel
	Item   string
}

// TokenInfo is the outcome of one token exchange
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration // lifetime as reported by the token endpoint
	Expiry       time.Time
}

// Valid reports whether the token carries an access token that has not expired
func (t TokenInfo) Valid(now time.Time) bool {
	return t.AccessToken != "" && (t.Expiry.IsZero() || now.Before(t.Expiry))
}
