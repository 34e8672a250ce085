// Package query builds search requests against the HR-S&I catalogue.
//
// A Descriptor is the fully-resolved request for one search: base endpoint,
// encoded filter parameters and the static pagination/sort parameters. It is
// either built from a SearchFilter or parsed from a query URL produced by the
// catalogue web finder. Pages are requested by appending the page index.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultSearchURL is the HR-S&I catalogue search endpoint.
const DefaultSearchURL = "https://cryo.land.copernicus.eu/resto/api/collections/HRSI/search.json"

// DateLayout is the only accepted date format (RFC3339, UTC, no fraction).
const DateLayout = "2006-01-02T15:04:05Z"

// PageSize is the catalogue-imposed maximum number of records per page.
const PageSize = 1000

// Catalogue parameter names.
const (
	ParamProductIdentifier = "productIdentifier"
	ParamProductType       = "productType"
	ParamMission           = "mission"
	ParamObsDateAfter      = "startDate"
	ParamObsDateBefore     = "completionDate"
	ParamPublishedAfter    = "publishedAfter"
	ParamPublishedBefore   = "publishedBefore"
	ParamCloudCover        = "cloudCover"
	ParamGeometry          = "geometry"
	ParamTextualSearch     = "q"
	ParamPage              = "page"

	ParamStatus     = "status"
	ParamMaxRecords = "maxRecords"
	ParamDataset    = "dataset"
	ParamSortParam  = "sortParam"
	ParamSortOrder  = "sortOrder"
)

// StaticParams are appended to every built query.
var StaticParams = []Param{
	{ParamStatus, "all"},
	{ParamMaxRecords, strconv.Itoa(PageSize)},
	{ParamDataset, "ESA-DATASET"},
	{ParamSortParam, "startDate"},
	{ParamSortOrder, "descending"},
}

var (
	// ErrEmptyFilter is returned when no filter field is set; an
	// unconstrained search is never issued.
	ErrEmptyFilter = errors.New("no query parameters were provided")

	// ErrInvalidQueryURL is returned for a pre-built query that cannot be used.
	ErrInvalidQueryURL = errors.New("invalid query URL")
)

// ValidationError reports a filter value with the wrong format.
type ValidationError struct {
	Field    string
	Value    string
	Expected string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: expected %s", e.Field, e.Value, e.Expected)
}

// SearchFilter holds the optional search criteria. Empty strings and a nil
// CloudCoverageMax mean "not set".
type SearchFilter struct {
	// ProductIdentifier is matched as a substring, e.g. "T32TLR".
	ProductIdentifier string
	// ProductType is one of FSC|RLIE|PSA|PSA-LAEA|ARLIE|WDS|SWS|GFSC.
	ProductType string
	// Mission is one of S1|S2|S1-S2.
	Mission string

	ObsDateMin         string
	ObsDateMax         string
	PublicationDateMin string
	PublicationDateMax string

	// CloudCoverageMax is a percentage in [0, 100].
	CloudCoverageMax *int

	TextualSearch string
	// Geometry is a WKT string in WGS84.
	Geometry string
}

// IsEmpty reports whether no field is set.
func (f SearchFilter) IsEmpty() bool {
	return f.ProductIdentifier == "" &&
		f.ProductType == "" &&
		f.Mission == "" &&
		f.ObsDateMin == "" &&
		f.ObsDateMax == "" &&
		f.PublicationDateMin == "" &&
		f.PublicationDateMax == "" &&
		f.CloudCoverageMax == nil &&
		f.TextualSearch == "" &&
		f.Geometry == ""
}

// Param is one query parameter.
type Param struct {
	Key   string
	Value string
}

// Descriptor is an immutable, fully-resolved search request.
type Descriptor struct {
	endpoint string
	params   []Param
	raw      string
}

// Build maps filter onto the catalogue parameters of the search endpoint base.
func Build(base string, filter SearchFilter) (Descriptor, error) {
	if filter.IsEmpty() {
		return Descriptor{}, ErrEmptyFilter
	}

	endpoint, err := parseEndpoint(base)
	if err != nil {
		return Descriptor{}, err
	}

	var params []Param
	add := func(key, value string) {
		params = append(params, Param{Key: key, Value: value})
	}

	if filter.ProductIdentifier != "" {
		add(ParamProductIdentifier, "%"+strings.ToUpper(filter.ProductIdentifier)+"%")
	}
	if filter.ProductType != "" {
		add(ParamProductType, strings.ToUpper(filter.ProductType))
	}
	if filter.Mission != "" {
		add(ParamMission, strings.ToUpper(filter.Mission))
	}

	dates := []struct {
		field string
		param string
		value string
	}{
		{"obsDateMin", ParamObsDateAfter, filter.ObsDateMin},
		{"obsDateMax", ParamObsDateBefore, filter.ObsDateMax},
		{"publicationDateMin", ParamPublishedAfter, filter.PublicationDateMin},
		{"publicationDateMax", ParamPublishedBefore, filter.PublicationDateMax},
	}
	for _, d := range dates {
		if d.value == "" {
			continue
		}
		if err := ValidateDate(d.field, d.value); err != nil {
			return Descriptor{}, err
		}
		add(d.param, d.value)
	}

	if filter.CloudCoverageMax != nil {
		limit := *filter.CloudCoverageMax
		if limit < 0 || limit > 100 {
			return Descriptor{}, &ValidationError{
				Field:    "cloudCoverageMax",
				Value:    strconv.Itoa(limit),
				Expected: "a percentage between 0 and 100",
			}
		}
		add(ParamCloudCover, fmt.Sprintf("[0,%d]", limit))
	}
	if filter.Geometry != "" {
		add(ParamGeometry, filter.Geometry)
	}
	if filter.TextualSearch != "" {
		add(ParamTextualSearch, strings.ReplaceAll(filter.TextualSearch, " ", "+"))
	}

	params = append(params, StaticParams...)

	return Descriptor{
		endpoint: endpoint,
		params:   params,
		raw:      endpoint + "?" + encode(params),
	}, nil
}

// Parse wraps a pre-built query URL, typically copied from the catalogue
// web finder. The URL must not carry a page parameter.
func Parse(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidQueryURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Descriptor{}, fmt.Errorf("%w: scheme must be http or https", ErrInvalidQueryURL)
	}
	if u.Host == "" {
		return Descriptor{}, fmt.Errorf("%w: missing host", ErrInvalidQueryURL)
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidQueryURL, err)
	}
	if values.Has(ParamPage) {
		return Descriptor{}, fmt.Errorf("%w: page is set by the search executor", ErrInvalidQueryURL)
	}

	var params []Param
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, _ := url.QueryUnescape(k)
		value, _ := url.QueryUnescape(v)
		params = append(params, Param{Key: key, Value: value})
	}

	endpoint := *u
	endpoint.RawQuery = ""
	endpoint.Fragment = ""

	u.Fragment = ""
	return Descriptor{
		endpoint: endpoint.String(),
		params:   params,
		raw:      u.String(),
	}, nil
}

// ValidateDate checks value against DateLayout.
func ValidateDate(field, value string) error {
	// time.Parse tolerates fractional seconds the layout does not name.
	if len(value) != len(DateLayout) {
		return &ValidationError{Field: field, Value: value, Expected: "YYYY-MM-DDTHH:MM:SSZ"}
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return &ValidationError{Field: field, Value: value, Expected: "YYYY-MM-DDTHH:MM:SSZ"}
	}
	return nil
}

// Endpoint returns the search endpoint without parameters.
func (d Descriptor) Endpoint() string {
	return d.endpoint
}

// URL returns the request URL without a page index.
func (d Descriptor) URL() string {
	return d.raw
}

// PageURL returns the request URL for the given 1-based page.
func (d Descriptor) PageURL(page int) string {
	sep := "&"
	if !strings.Contains(d.raw, "?") {
		sep = "?"
	} else if strings.HasSuffix(d.raw, "?") || strings.HasSuffix(d.raw, "&") {
		sep = ""
	}
	return d.raw + sep + ParamPage + "=" + strconv.Itoa(page)
}

// Params returns the decoded parameters in request order.
func (d Descriptor) Params() []Param {
	out := make([]Param, len(d.params))
	copy(out, d.params)
	return out
}

// Values returns the decoded parameters as url.Values.
func (d Descriptor) Values() url.Values {
	v := make(url.Values, len(d.params))
	for _, p := range d.params {
		v.Add(p.Key, p.Value)
	}
	return v
}

// IsZero reports whether d was never resolved.
func (d Descriptor) IsZero() bool {
	return d.raw == ""
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return d.raw
}

func parseEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQueryURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidQueryURL, base)
	}
	if u.RawQuery != "" {
		return "", fmt.Errorf("%w: search endpoint %q must not carry parameters", ErrInvalidQueryURL, base)
	}
	return u.String(), nil
}

// encode renders params in order. A literal "+" is kept as is so that the
// free-text search reaches the catalogue as space-separated words.
func encode(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		value := strings.ReplaceAll(url.QueryEscape(p.Value), "%2B", "+")
		parts = append(parts, url.QueryEscape(p.Key)+"="+value)
	}
	return strings.Join(parts, "&")
}
