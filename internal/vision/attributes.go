package vision

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const unknown = "unknown"

// Attributes is the fixed schema every analysis resolves to, whether the
// model answered cleanly, needed repair, or could not be parsed at all.
// Pointer fields are tri-state: nil means the model could not tell.
type Attributes struct {
	DesignQualityScore      int      `json:"design_quality_score"`
	OfferType               string   `json:"offer_type"`
	DiscountValue           *float64 `json:"discount_value"`
	LayoutType              string   `json:"layout_type"`
	PrimaryColor            string   `json:"primary_color"`
	HasHeroImage            *bool    `json:"has_hero_image"`
	ImageCountEstimate      int      `json:"image_count_estimate"`
	CTACount                int      `json:"cta_count"`
	PrimaryCTAText          string   `json:"primary_cta_text"`
	UrgencyLevel            string   `json:"urgency_level"`
	Tone                    string   `json:"tone"`
	CampaignType            string   `json:"campaign_type"`
	Industry                string   `json:"industry"`
	PersonalizationDetected *bool    `json:"personalization_detected"`
	MobileOptimized         *bool    `json:"mobile_optimized"`
	TextToImageRatio        float64  `json:"text_to_image_ratio"`
	BrandName               string   `json:"brand_name"`
	Summary                 string   `json:"summary"`

	TemplateVersion string `json:"template_version"`
	// RawResponse keeps the unparsed model text when it could not be used.
	RawResponse string `json:"raw_response,omitempty"`
}

var enums = map[string][]string{
	"offer_type":    {"percent_off", "dollar_off", "bogo", "free_shipping", "free_gift", "bundle", "loyalty_points", "none"},
	"layout_type":   {"single_column", "multi_column", "grid", "hero_led", "text_heavy", "product_showcase"},
	"urgency_level": {"none", "low", "medium", "high"},
	"tone":          {"promotional", "informational", "luxury", "playful", "urgent", "friendly", "professional"},
	"campaign_type": {"sale", "product_launch", "newsletter", "seasonal", "abandoned_cart", "loyalty", "announcement", "event", "transactional"},
}

// DefaultAttributes is the neutral payload: midpoint score, unknown enums,
// nil booleans.
func DefaultAttributes() Attributes {
	return Attributes{
		DesignQualityScore: 5,
		OfferType:          unknown,
		LayoutType:         unknown,
		PrimaryColor:       unknown,
		UrgencyLevel:       unknown,
		Tone:               unknown,
		CampaignType:       unknown,
		Industry:           unknown,
		TextToImageRatio:   0.5,
		TemplateVersion:    TemplateVersion,
	}
}

// JSON encodes a for storage. Attributes always marshals.
func (a Attributes) JSON() json.RawMessage {
	b, _ := json.Marshal(a)
	return b
}

type field struct {
	name string
	desc string
	// set decodes raw into a. It returns false when raw has the wrong type.
	set func(raw json.RawMessage, a *Attributes) bool
}

// fields lists every model-produced attribute in prompt order.
var fields = []field{
	{"design_quality_score", "integer 1-10, overall visual design quality", func(r json.RawMessage, a *Attributes) bool {
		return setInt(r, &a.DesignQualityScore)
	}},
	{"offer_type", enumDesc("offer_type", "main offer"), func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.OfferType)
	}},
	{"discount_value", "number, the headline discount amount (20 for 20% or $20), null if none", func(r json.RawMessage, a *Attributes) bool {
		return setFloatPtr(r, &a.DiscountValue)
	}},
	{"layout_type", enumDesc("layout_type", "dominant layout"), func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.LayoutType)
	}},
	{"primary_color", "string, dominant brand color as #rrggbb", func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.PrimaryColor)
	}},
	{"has_hero_image", "boolean, a large image leads the email", func(r json.RawMessage, a *Attributes) bool {
		return setBoolPtr(r, &a.HasHeroImage)
	}},
	{"image_count_estimate", "integer, number of distinct images", func(r json.RawMessage, a *Attributes) bool {
		return setInt(r, &a.ImageCountEstimate)
	}},
	{"cta_count", "integer, number of call-to-action buttons or links", func(r json.RawMessage, a *Attributes) bool {
		return setInt(r, &a.CTACount)
	}},
	{"primary_cta_text", "string, label of the most prominent call to action", func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.PrimaryCTAText)
	}},
	{"urgency_level", enumDesc("urgency_level", "time pressure"), func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.UrgencyLevel)
	}},
	{"tone", enumDesc("tone", "voice"), func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.Tone)
	}},
	{"campaign_type", enumDesc("campaign_type", "campaign purpose"), func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.CampaignType)
	}},
	{"industry", "string, the brand's industry in one or two words", func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.Industry)
	}},
	{"personalization_detected", "boolean, the email addresses the recipient personally", func(r json.RawMessage, a *Attributes) bool {
		return setBoolPtr(r, &a.PersonalizationDetected)
	}},
	{"mobile_optimized", "boolean, the layout reads well on a phone", func(r json.RawMessage, a *Attributes) bool {
		return setBoolPtr(r, &a.MobileOptimized)
	}},
	{"text_to_image_ratio", "number 0-1, share of the email area that is text", func(r json.RawMessage, a *Attributes) bool {
		return setFloat(r, &a.TextToImageRatio)
	}},
	{"brand_name", "string, the sending brand", func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.BrandName)
	}},
	{"summary", "string, one sentence describing the email", func(r json.RawMessage, a *Attributes) bool {
		return setString(r, &a.Summary)
	}},
}

func enumDesc(name, what string) string {
	return "one of " + strings.Join(append(append([]string(nil), enums[name]...), unknown), ", ") + "; the " + what
}

// decodeAttributes applies obj onto the defaults field by field. Absent or
// wrongly typed fields keep their default and are reported as missing.
// An explicit null is an answer, not a gap.
func decodeAttributes(obj map[string]json.RawMessage) (Attributes, []string) {
	a := DefaultAttributes()
	var missing []string
	for _, f := range fields {
		raw, ok := obj[f.name]
		if !ok {
			missing = append(missing, f.name)
			continue
		}
		if isNull(raw) {
			continue
		}
		if !f.set(raw, &a) {
			missing = append(missing, f.name)
		}
	}
	a.normalize()
	return a, missing
}

// normalize clamps ranges and folds enum spellings.
func (a *Attributes) normalize() {
	a.DesignQualityScore = clampInt(a.DesignQualityScore, 1, 10)
	a.ImageCountEstimate = max(a.ImageCountEstimate, 0)
	a.CTACount = max(a.CTACount, 0)
	if math.IsNaN(a.TextToImageRatio) {
		a.TextToImageRatio = 0.5
	}
	a.TextToImageRatio = math.Min(math.Max(a.TextToImageRatio, 0), 1)
	if a.DiscountValue != nil && *a.DiscountValue < 0 {
		a.DiscountValue = nil
	}

	a.OfferType = normalizeEnum("offer_type", a.OfferType)
	a.LayoutType = normalizeEnum("layout_type", a.LayoutType)
	a.UrgencyLevel = normalizeEnum("urgency_level", a.UrgencyLevel)
	a.Tone = normalizeEnum("tone", a.Tone)
	a.CampaignType = normalizeEnum("campaign_type", a.CampaignType)

	a.PrimaryColor = strings.ToLower(strings.TrimSpace(a.PrimaryColor))
	if a.PrimaryColor == "" {
		a.PrimaryColor = unknown
	}
	a.Industry = strings.TrimSpace(a.Industry)
	if a.Industry == "" {
		a.Industry = unknown
	}
}

func normalizeEnum(name, v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	for _, allowed := range enums[name] {
		if v == allowed {
			return v
		}
	}
	return unknown
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func setString(raw json.RawMessage, dst *string) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	*dst = s
	return true
}

// asFloat accepts a JSON number or a numeric string ("20", "20%", "$20").
func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.Trim(strings.TrimSpace(s), "$%")
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func setFloat(raw json.RawMessage, dst *float64) bool {
	f, ok := asFloat(raw)
	if ok {
		*dst = f
	}
	return ok
}

func setFloatPtr(raw json.RawMessage, dst **float64) bool {
	f, ok := asFloat(raw)
	if ok {
		*dst = &f
	}
	return ok
}

func setInt(raw json.RawMessage, dst *int) bool {
	f, ok := asFloat(raw)
	if ok {
		*dst = int(math.Round(f))
	}
	return ok
}

func setBoolPtr(raw json.RawMessage, dst **bool) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		*dst = &b
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		b = true
	case "false", "no":
		b = false
	default:
		return false
	}
	*dst = &b
	return true
}
