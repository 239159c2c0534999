package classifier

// Config holds the hand-tuned heuristics. Every list is configuration, not
// logic, so operators can retune it without touching the scoring rules.
type Config struct {
	// Threshold is the minimum score for a marketing decision.
	Threshold int `yaml:"threshold"`

	Keywords         []string `yaml:"keywords"`
	BulkLocalParts   []string `yaml:"bulk_local_parts"`
	UnsubscribeTerms []string `yaml:"unsubscribe_terms"`

	// HTMLTagThreshold is the start-tag count above which the body counts
	// as a designed template.
	HTMLTagThreshold int `yaml:"html_tag_threshold"`
	// LinkThreshold is the number of linked anchors at which the body
	// counts as link dense.
	LinkThreshold int `yaml:"link_threshold"`

	InternalTokens   []string `yaml:"internal_tokens"`
	WarmupDomains    []string `yaml:"warmup_domains"`
	TrackingPatterns []string `yaml:"tracking_patterns"`
	ReplyPrefixes    []string `yaml:"reply_prefixes"`

	Weights Weights `yaml:"weights"`
}

// Weights are the per-signal score contributions.
type Weights struct {
	Keyword     int `yaml:"keyword"`
	BulkSender  int `yaml:"bulk_sender"`
	Unsubscribe int `yaml:"unsubscribe"`
	HTMLComplex int `yaml:"html_complex"`
	LinkDense   int `yaml:"link_dense"`
}

// DefaultConfig favors recall: a single signal is enough to proceed, since
// later stages are idempotent and cheap to skip on a re-run.
func DefaultConfig() Config {
	return Config{
		Threshold: 1,
		Keywords: []string{
			"sale", "% off", "discount", "offer", "deal", "deals", "shop now",
			"new arrivals", "limited time", "free shipping", "exclusive",
			"save", "promo", "coupon", "collection", "order now", "buy",
			"clearance", "last chance", "ends tonight", "bestseller",
			"members only", "flash sale", "gift",
		},
		BulkLocalParts: []string{
			"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply",
			"newsletter", "news", "marketing", "promo", "promotions", "offers",
			"deals", "hello", "info", "shop", "store", "updates", "mailer",
			"email", "team",
		},
		UnsubscribeTerms: []string{
			"unsubscribe", "opt out", "opt-out", "manage preferences",
			"email preferences", "update your preferences",
			"stop receiving these emails",
		},
		HTMLTagThreshold: 40,
		LinkThreshold:    8,
		WarmupDomains: []string{
			"lemwarm.com", "mailwarm.com", "warmupinbox.com", "warmbox.ai",
			"mailreach.co", "inboxally.com", "warmy.io", "folderly.com",
			"instantly-warmup.com", "warmup.email",
		},
		ReplyPrefixes: []string{"re", "fw", "fwd", "aw", "sv", "tr", "wg"},
		Weights: Weights{
			Keyword:     1,
			BulkSender:  2,
			Unsubscribe: 4,
			HTMLComplex: 1,
			LinkDense:   1,
		},
	}
}

// withDefaults fills zero-valued fields from DefaultConfig so a partial
// YAML section still yields a usable classifier.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Keywords == nil {
		c.Keywords = d.Keywords
	}
	if c.BulkLocalParts == nil {
		c.BulkLocalParts = d.BulkLocalParts
	}
	if c.UnsubscribeTerms == nil {
		c.UnsubscribeTerms = d.UnsubscribeTerms
	}
	if c.HTMLTagThreshold <= 0 {
		c.HTMLTagThreshold = d.HTMLTagThreshold
	}
	if c.LinkThreshold <= 0 {
		c.LinkThreshold = d.LinkThreshold
	}
	if c.WarmupDomains == nil {
		c.WarmupDomains = d.WarmupDomains
	}
	if c.ReplyPrefixes == nil {
		c.ReplyPrefixes = d.ReplyPrefixes
	}
	if c.Weights.Keyword <= 0 {
		c.Weights.Keyword = d.Weights.Keyword
	}
	if c.Weights.BulkSender <= 0 {
		c.Weights.BulkSender = d.Weights.BulkSender
	}
	if c.Weights.Unsubscribe <= 0 {
		c.Weights.Unsubscribe = d.Weights.Unsubscribe
	}
	if c.Weights.HTMLComplex <= 0 {
		c.Weights.HTMLComplex = d.Weights.HTMLComplex
	}
	if c.Weights.LinkDense <= 0 {
		c.Weights.LinkDense = d.Weights.LinkDense
	}
	return c
}
