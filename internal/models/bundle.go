package models

import "time"

// CatalogItem is one bundle discovered on a listing page. Items are
// immutable once created and deduplicated by ID before enrichment.
type CatalogItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourceLink string `json:"source_link"`
}

// EnrichmentSource records which path produced a DetailRecord.
type EnrichmentSource string

const (
	EnrichmentPrimary         EnrichmentSource = "primary"
	EnrichmentPrimaryFallback EnrichmentSource = "primary+fallback"
)

// Price holds pricing extracted from the primary endpoint or the detail page.
// Amounts are in the storefront's display currency, not cents.
type Price struct {
	Final     float64 `json:"final"`
	Original  float64 `json:"original"`
	Discount  int     `json:"discount"`
	Formatted string  `json:"formatted,omitempty"`
	Currency  string  `json:"currency"`
}

// Media holds image references for a bundle.
type Media struct {
	Header  string `json:"header,omitempty"`
	Capsule string `json:"capsule,omitempty"`
	Library string `json:"library,omitempty"`
}

// Platforms holds platform availability flags.
type Platforms struct {
	Windows bool `json:"windows"`
	Mac     bool `json:"mac"`
	Linux   bool `json:"linux"`
}

// Game is one title included in a bundle.
type Game struct {
	AppID string `json:"app_id,omitempty"`
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
}

// DiscountAnalysis flags discounts that do not hold up against the listed
// original price (anchored or inflated originals).
type DiscountAnalysis struct {
	IsReal bool   `json:"is_real"`
	Reason string `json:"reason,omitempty"`
}

// DetailRecord is the enriched form of a CatalogItem. Owned by the pipeline
// until a confirmed upload, after which the in-memory copy is released.
type DetailRecord struct {
	ID          string           `json:"id" badgerhold:"key"`
	Name        string           `json:"name"`
	URL         string           `json:"url"`
	Price       Price            `json:"price"`
	Images      Media            `json:"images"`
	Platforms   Platforms        `json:"platforms"`
	Games       []Game           `json:"games"`
	AppIDs      []string         `json:"app_ids,omitempty"`
	Genres      []string         `json:"genres,omitempty"`
	Description string           `json:"description,omitempty"` // markdown
	Discount    DiscountAnalysis `json:"discount_analysis"`
	Restricted  bool             `json:"restricted"` // age/login gated, placeholder data
	ComingSoon  bool             `json:"coming_soon"`
	Source      EnrichmentSource `json:"enrichment_source"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// AnalyzeDiscount checks whether a listed discount is plausible. A discount
// against an original price lower than the final price, or a claimed discount
// with identical prices, is flagged as not real.
func AnalyzeDiscount(p Price) DiscountAnalysis {
	if p.Discount <= 0 {
		return DiscountAnalysis{IsReal: true}
	}
	if p.Original <= 0 {
		return DiscountAnalysis{IsReal: false, Reason: "discount with no original price"}
	}
	if p.Original < p.Final {
		return DiscountAnalysis{IsReal: false, Reason: "original price below final price"}
	}
	if p.Original == p.Final {
		return DiscountAnalysis{IsReal: false, Reason: "discount claimed but prices identical"}
	}
	return DiscountAnalysis{IsReal: true}
}
