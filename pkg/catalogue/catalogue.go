// Package catalogue decodes HR-S&I search responses and extracts the product
// fields needed for download.
//
// A response is a GeoJSON-style FeatureCollection:
//
//	{"type": "FeatureCollection",
//	 "properties": {"totalResults": 1234, ...},
//	 "features": [{"properties": {"productIdentifier": ..., "services": {"download": {"url": ..., "size": ...}}}}]}
//
// Field presence is checked strictly: a missing field means the catalogue
// schema changed and extraction fails instead of guessing a default.
package catalogue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/hrsi-client/pkg/resultlist"
)

// Property names read from each feature.
const (
	FieldProductIdentifier = "productIdentifier"
	FieldTitle             = "title"
	FieldStartDate         = "startDate"
	FieldProductType       = "productType"
	FieldMission           = "mission"
	FieldServices          = "services"
	FieldDownloadURL       = "services.download.url"
	FieldDownloadSize      = "services.download.size"
	FieldPublished         = "published"
)

// ErrMissingFeatures is returned when a page has no "features" entry.
var ErrMissingFeatures = errors.New("features entry is missing from the JSON response")

// SchemaError reports a response that does not have the expected shape.
// Raw holds the response body for diagnostics.
type SchemaError struct {
	URL string
	Raw []byte
	Err error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("catalogue response for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("catalogue response: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SchemaError) Unwrap() error {
	return e.Err
}

// FieldError reports a required property missing from one feature.
type FieldError struct {
	Index int
	Field string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("features[%d].properties.%s is missing", e.Index, e.Field)
}

// Feature is one search result record.
type Feature struct {
	Properties map[string]json.RawMessage `json:"properties"`
}

// Page is one decoded search response page.
type Page struct {
	Features []Feature
	// TotalResults is the advertised result count. It is unreliable and
	// only reported, never used to stop pagination. Nil when absent.
	TotalResults *int
	Raw          []byte
}

type pageEnvelope struct {
	Features   *[]Feature `json:"features"`
	Properties struct {
		TotalResults *int `json:"totalResults"`
	} `json:"properties"`
}

// DecodePage decodes one search response body.
func DecodePage(body []byte) (*Page, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &SchemaError{Raw: body, Err: fmt.Errorf("decode search response: %w", err)}
	}
	if env.Features == nil {
		return nil, &SchemaError{Raw: body, Err: ErrMissingFeatures}
	}
	return &Page{
		Features:     *env.Features,
		TotalResults: env.Properties.TotalResults,
		Raw:          body,
	}, nil
}

// Product holds every field extracted from a feature.
type Product struct {
	Identifier  string
	Title       string
	StartDate   string
	ProductType string
	Mission     string
	DownloadURL string
	Size        json.Number
	Published   string
}

// Reference returns the persisted (download URL, title) pair.
func (p Product) Reference() resultlist.ProductReference {
	return resultlist.ProductReference{URL: p.DownloadURL, Title: p.Title}
}

type services struct {
	Download *struct {
		URL  json.RawMessage `json:"url"`
		Size json.RawMessage `json:"size"`
	} `json:"download"`
}

// Extract reads the required fields of feature, which sits at index in its
// page.
func Extract(feature Feature, index int) (Product, error) {
	var p Product

	stringFields := []struct {
		name string
		dst  *string
	}{
		{FieldProductIdentifier, &p.Identifier},
		{FieldTitle, &p.Title},
		{FieldStartDate, &p.StartDate},
		{FieldProductType, &p.ProductType},
		{FieldMission, &p.Mission},
	}
	for _, f := range stringFields {
		if err := readString(feature.Properties[f.name], f.dst); err != nil {
			return Product{}, fieldErr(index, f.name, err)
		}
	}

	raw, ok := present(feature.Properties[FieldServices])
	if !ok {
		return Product{}, &FieldError{Index: index, Field: FieldServices}
	}
	var svc services
	if err := json.Unmarshal(raw, &svc); err != nil || svc.Download == nil {
		return Product{}, &FieldError{Index: index, Field: "services.download"}
	}
	if err := readString(svc.Download.URL, &p.DownloadURL); err != nil {
		return Product{}, fieldErr(index, FieldDownloadURL, err)
	}
	size, ok := present(svc.Download.Size)
	if !ok {
		return Product{}, &FieldError{Index: index, Field: FieldDownloadSize}
	}
	p.Size = json.Number(bytes.Trim(size, `"`))

	if err := readString(feature.Properties[FieldPublished], &p.Published); err != nil {
		return Product{}, fieldErr(index, FieldPublished, err)
	}

	return p, nil
}

// ExtractAll extracts every feature of page in order.
func ExtractAll(page *Page) ([]Product, error) {
	products := make([]Product, 0, len(page.Features))
	for i, f := range page.Features {
		p, err := Extract(f, i)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

var errAbsent = errors.New("absent")

func present(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}
	return trimmed, true
}

func readString(raw json.RawMessage, dst *string) error {
	v, ok := present(raw)
	if !ok {
		return errAbsent
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return err
	}
	return nil
}

func fieldErr(index int, field string, cause error) error {
	if errors.Is(cause, errAbsent) {
		return &FieldError{Index: index, Field: field}
	}
	return fmt.Errorf("features[%d].properties.%s: %w", index, field, cause)
}
