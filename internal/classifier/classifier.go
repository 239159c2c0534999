// Package classifier decides whether a fetched message is brand marketing
// worth rendering. Hard exclusions run before additive scoring, and
// Classify never performs I/O.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/htmltext"
)

// Signal names reported in ClassificationResult.Signals.
const (
	SignalBulkSender  = "bulk_sender"
	SignalUnsubscribe = "unsubscribe"
	SignalHTMLComplex = "html_complex"
	SignalLinkDense   = "link_dense"
	SignalKeyword     = "keyword:"

	ExcludeMissingSender = "missing_sender"
	ExcludeInternalToken = "internal_token"
	ExcludeTrackingCode  = "tracking_code"
	ExcludeReplyPrefix   = "reply_prefix"
	ExcludeWarmupDomain  = "warmup_domain"
)

type keywordMatcher struct {
	name string
	re   *regexp.Regexp
}

// Classifier holds compiled heuristics. It is safe for concurrent use.
type Classifier struct {
	cfg         Config
	keywords    []keywordMatcher
	bulk        []*regexp.Regexp
	unsubscribe []string
	internal    []string
	warmup      []string
	tracking    []*regexp.Regexp
	reply       *regexp.Regexp
}

// New compiles cfg. Zero-valued fields fall back to DefaultConfig.
func New(cfg Config) (*Classifier, error) {
	cfg = cfg.withDefaults()
	c := &Classifier{
		cfg:         cfg,
		unsubscribe: lowerAll(cfg.UnsubscribeTerms),
		internal:    lowerAll(cfg.InternalTokens),
		warmup:      lowerAll(cfg.WarmupDomains),
	}

	for _, kw := range lowerAll(cfg.Keywords) {
		c.keywords = append(c.keywords, keywordMatcher{name: kw, re: wordPattern(kw)})
	}
	for _, lp := range lowerAll(cfg.BulkLocalParts) {
		c.bulk = append(c.bulk, regexp.MustCompile(`^`+regexp.QuoteMeta(lp)+`([._+-][a-z0-9._+-]*|[0-9]*)$`))
	}
	for _, p := range cfg.TrackingPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid tracking pattern %q: %w", p, err)
		}
		c.tracking = append(c.tracking, re)
	}
	if len(cfg.ReplyPrefixes) > 0 {
		alts := make([]string, 0, len(cfg.ReplyPrefixes))
		for _, p := range cfg.ReplyPrefixes {
			alts = append(alts, regexp.QuoteMeta(strings.TrimSuffix(strings.TrimSpace(p), ":")))
		}
		c.reply = regexp.MustCompile(`(?i)^\s*(` + strings.Join(alts, "|") + `)\s*(\[\d+\])?\s*:`)
	}
	return c, nil
}

// MustNew is New for static configuration known to be valid.
func MustNew(cfg Config) *Classifier {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify scores msg. An exclusion always yields IsMarketing=false.
func (c *Classifier) Classify(msg domain.RawMessage) domain.ClassificationResult {
	if !msg.HasSender() {
		return excluded(ExcludeMissingSender)
	}

	sender := strings.ToLower(strings.TrimSpace(msg.SenderAddress))
	senderDomain := strings.ToLower(strings.TrimSpace(msg.SenderDomain))
	if senderDomain == "" {
		if _, d, ok := strings.Cut(sender, "@"); ok {
			senderDomain = d
		}
	}
	subject := strings.TrimSpace(msg.Subject)

	var summary htmltext.Summary
	if msg.HTMLBody != "" {
		summary = htmltext.Summarize(msg.HTMLBody)
	}
	body := msg.TextBody
	if strings.TrimSpace(body) == "" {
		body = summary.Text
	}

	if name := c.exclusion(subject, body, senderDomain); name != "" {
		return excluded(name)
	}

	var (
		score   int
		signals []string
	)
	haystack := strings.ToLower(subject + "\n" + body)
	for _, kw := range c.keywords {
		if kw.re.MatchString(haystack) {
			score += c.cfg.Weights.Keyword
			signals = append(signals, SignalKeyword+kw.name)
		}
	}

	local, _, _ := strings.Cut(sender, "@")
	for _, re := range c.bulk {
		if re.MatchString(local) {
			score += c.cfg.Weights.BulkSender
			signals = append(signals, SignalBulkSender)
			break
		}
	}

	// Unsubscribe links often live only in markup, so check the raw HTML too.
	raw := strings.ToLower(body + "\n" + msg.HTMLBody)
	for _, term := range c.unsubscribe {
		if strings.Contains(raw, term) {
			score += c.cfg.Weights.Unsubscribe
			signals = append(signals, SignalUnsubscribe)
			break
		}
	}

	if summary.Tags > c.cfg.HTMLTagThreshold {
		score += c.cfg.Weights.HTMLComplex
		signals = append(signals, SignalHTMLComplex)
	}
	if summary.Links >= c.cfg.LinkThreshold {
		score += c.cfg.Weights.LinkDense
		signals = append(signals, SignalLinkDense)
	}

	return domain.ClassificationResult{
		IsMarketing: score >= c.cfg.Threshold,
		Score:       score,
		Signals:     signals,
	}
}

func (c *Classifier) exclusion(subject, body, senderDomain string) string {
	lowerSubject := strings.ToLower(subject)
	for _, tok := range c.internal {
		if tok != "" && strings.Contains(lowerSubject, tok) {
			return ExcludeInternalToken
		}
	}
	if hasTrackingPair(stripAddresses(subject)) || hasTrackingPair(stripAddresses(body)) {
		return ExcludeTrackingCode
	}
	for _, re := range c.tracking {
		if re.MatchString(subject) || re.MatchString(body) {
			return ExcludeTrackingCode
		}
	}
	if c.reply != nil && c.reply.MatchString(subject) {
		return ExcludeReplyPrefix
	}
	for _, d := range c.warmup {
		if senderDomain == d || strings.HasSuffix(senderDomain, "."+d) {
			return ExcludeWarmupDomain
		}
	}
	return ""
}

func excluded(name string) domain.ClassificationResult {
	return domain.ClassificationResult{
		Signals:    []string{"exclude:" + name},
		ExcludedBy: name,
	}
}

// addresses matches URLs and email addresses, whose path segments and
// local parts often look like code tokens.
var addresses = regexp.MustCompile(`(?i)(?:\b[a-z][a-z0-9+.-]*://|\bwww\.)\S+|[^\s@<>()]+@[^\s@<>()]+`)

func stripAddresses(s string) string {
	return addresses.ReplaceAllString(s, " ")
}

// hasTrackingPair reports two adjacent code-like tokens, the shape warmup
// services stamp into subjects ("Q7KX2P 9TRW4M").
func hasTrackingPair(s string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i := 1; i < len(tokens); i++ {
		if isCodeToken(tokens[i-1]) && isCodeToken(tokens[i]) {
			return true
		}
	}
	return false
}

// isCodeToken: 4-12 ASCII alphanumerics with at least one letter and one
// digit, letters in a single case. Mixed case ("iPhone15") reads as a word.
func isCodeToken(tok string) bool {
	if len(tok) < 4 || len(tok) > 12 {
		return false
	}
	var letters, digits, upper, lower int
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		case r >= 'a' && r <= 'z':
			letters++
			lower++
		default:
			return false
		}
	}
	return letters > 0 && digits > 0 && (upper == 0 || lower == 0)
}

// wordPattern anchors alphabetic edges of kw on word boundaries so "sale"
// does not fire on "wholesaler".
func wordPattern(kw string) *regexp.Regexp {
	p := regexp.QuoteMeta(kw)
	if r := rune(kw[0]); unicode.IsLetter(r) || unicode.IsDigit(r) {
		p = `\b` + p
	}
	if r := rune(kw[len(kw)-1]); unicode.IsLetter(r) || unicode.IsDigit(r) {
		p += `\b`
	}
	return regexp.MustCompile(p)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
