package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

const completeReply = `{
  "design_quality_score": 8,
  "offer_type": "percent off",
  "discount_value": 20,
  "layout_type": "hero_led",
  "primary_color": "#FF3366",
  "has_hero_image": true,
  "image_count_estimate": 4,
  "cta_count": 2,
  "primary_cta_text": "Shop now",
  "urgency_level": "high",
  "tone": "Promotional",
  "campaign_type": "sale",
  "industry": "apparel",
  "personalization_detected": null,
  "mobile_optimized": true,
  "text_to_image_ratio": 0.3,
  "brand_name": "Brand",
  "summary": "Spring sale with 20% off"
}`

func TestInterpret_Clean(t *testing.T) {
	res := Interpret(completeReply)

	assert.False(t, res.Repaired)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.Missing)
	assert.Equal(t, domain.StatusSuccess, res.Status())

	a := res.Attributes
	assert.Equal(t, 8, a.DesignQualityScore)
	assert.Equal(t, "percent_off", a.OfferType)
	require.NotNil(t, a.DiscountValue)
	assert.Equal(t, 20.0, *a.DiscountValue)
	assert.Equal(t, "#ff3366", a.PrimaryColor)
	assert.Equal(t, "promotional", a.Tone)
	assert.Nil(t, a.PersonalizationDetected)
	require.NotNil(t, a.HasHeroImage)
	assert.True(t, *a.HasHeroImage)
	assert.Equal(t, TemplateVersion, a.TemplateVersion)
	assert.Empty(t, a.RawResponse)
}

func TestInterpret_FencedWithProse(t *testing.T) {
	res := Interpret("Here is the analysis:\n```json\n" + completeReply + "\n```")
	assert.False(t, res.Fallback)
	assert.Equal(t, domain.StatusSuccess, res.Status())
	assert.Equal(t, "hero_led", res.Attributes.LayoutType)
}

func TestInterpret_TrailingCommaScenario(t *testing.T) {
	res := Interpret(`{"a":1,}`)

	assert.True(t, res.Repaired)
	assert.False(t, res.Fallback)
	assert.Len(t, res.Missing, len(fields))
	assert.Equal(t, domain.StatusPartial, res.Status())
	assert.Equal(t, DefaultAttributes().DesignQualityScore, res.Attributes.DesignQualityScore)
	assert.Equal(t, `{"a":1,}`, res.Attributes.RawResponse)
}

func TestInterpret_TruncatedBraceAndQuote(t *testing.T) {
	truncated := strings.TrimSuffix(completeReply, " off\"\n}")
	require.False(t, json.Valid([]byte(truncated)))

	res := Interpret(truncated)

	assert.True(t, res.Repaired)
	assert.False(t, res.Fallback)
	assert.Empty(t, res.Missing)
	assert.Equal(t, "Spring sale with 20%", res.Attributes.Summary)
	assert.Equal(t, domain.StatusSuccess, res.Status())

	// The repaired payload satisfies the full schema.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.Attributes.JSON(), &decoded))
	for _, f := range fields {
		assert.Contains(t, decoded, f.name)
	}
}

func TestInterpret_Garbage(t *testing.T) {
	for _, raw := range []string{
		"I'm sorry, I can't analyze this image.",
		"",
		`{"design_quality_score": 8, "offer_type": }}}`,
	} {
		t.Run(raw, func(t *testing.T) {
			res := Interpret(raw)
			assert.True(t, res.Fallback)
			assert.Equal(t, domain.StatusPartial, res.Status())
			assert.Equal(t, raw, res.Attributes.RawResponse)
			assert.Equal(t, 5, res.Attributes.DesignQualityScore)
			assert.Equal(t, "unknown", res.Attributes.OfferType)
			assert.Nil(t, res.Attributes.HasHeroImage)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(res.Attributes.JSON(), &decoded))
			for _, f := range fields {
				assert.Contains(t, decoded, f.name)
			}
		})
	}
}

func TestInterpret_LenientFields(t *testing.T) {
	res := Interpret(`{"design_quality_score": "42", "cta_count": "many", "has_hero_image": "yes",
		"offer_type": "mystery", "text_to_image_ratio": 3, "discount_value": "$15"}`)

	a := res.Attributes
	assert.Equal(t, 10, a.DesignQualityScore)
	assert.Equal(t, 0, a.CTACount)
	require.NotNil(t, a.HasHeroImage)
	assert.True(t, *a.HasHeroImage)
	assert.Equal(t, "unknown", a.OfferType)
	assert.Equal(t, 1.0, a.TextToImageRatio)
	require.NotNil(t, a.DiscountValue)
	assert.Equal(t, 15.0, *a.DiscountValue)
	assert.Contains(t, res.Missing, "cta_count")
	assert.Contains(t, res.Missing, "summary")
	assert.NotContains(t, res.Missing, "design_quality_score")
}

func TestRepairHelpers(t *testing.T) {
	assert.Equal(t, `{"a":[1,2]}`, removeTrailingCommas(`{"a":[1,2,],}`))
	assert.Equal(t, `{"a":[1,{"b":"}"}]}`, closeBrackets(`{"a":[1,{"b":"}"}`))
	assert.Equal(t, `{"a":"x"`, closeQuote(`{"a":"x`))
	assert.Equal(t, `{"a":"say \"hi\""`, closeQuote(`{"a":"say \"hi\""`))
}

type fakeInvoker struct {
	replies []string
	errs    []error
	calls   atomic.Int32
	last    string
}

func (f *fakeInvoker) Invoke(ctx context.Context, img Image, instructions string) (string, error) {
	n := int(f.calls.Add(1)) - 1
	f.last = instructions
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return completeReply, nil
}

func fastConfig() Config {
	return Config{Timeout: time.Second, Retry: retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}}
}

func TestAnalyze_InterpolatesContext(t *testing.T) {
	inv := &fakeInvoker{}
	a, err := NewAnalyzer(inv, fastConfig())
	require.NoError(t, err)

	res := a.Analyze(context.Background(), Image{Data: []byte("png")},
		MessageContext{Sender: "news@brand.com", Domain: "brand.com", Subject: "Spring sale"})

	assert.Equal(t, domain.StatusSuccess, res.Status())
	assert.Contains(t, inv.last, "Sender: news@brand.com")
	assert.Contains(t, inv.last, "Subject: Spring sale")
	assert.Contains(t, inv.last, "use\nnull")
	for _, f := range fields {
		assert.Contains(t, inv.last, `"`+f.name+`"`)
	}
}

func TestAnalyze_RetriesTransient(t *testing.T) {
	inv := &fakeInvoker{errs: []error{errors.New("timeout"), errors.New("throttled")}}
	a, err := NewAnalyzer(inv, fastConfig())
	require.NoError(t, err)

	res := a.Analyze(context.Background(), Image{Data: []byte("png")}, MessageContext{})

	assert.Equal(t, int32(3), inv.calls.Load())
	assert.NoError(t, res.Err)
	assert.Equal(t, domain.StatusSuccess, res.Status())
}

func TestAnalyze_ExhaustedFallsBack(t *testing.T) {
	boom := errors.New("connection refused")
	inv := &fakeInvoker{errs: []error{boom, boom, boom}}
	a, err := NewAnalyzer(inv, fastConfig())
	require.NoError(t, err)

	res := a.Analyze(context.Background(), Image{Data: []byte("png")}, MessageContext{})

	assert.True(t, res.Fallback)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, domain.StatusPartial, res.Status())
}

func TestAnalyze_MalformedNotRetried(t *testing.T) {
	inv := &fakeInvoker{replies: []string{"not json at all"}}
	a, err := NewAnalyzer(inv, fastConfig())
	require.NoError(t, err)

	res := a.Analyze(context.Background(), Image{Data: []byte("png")}, MessageContext{})

	assert.Equal(t, int32(1), inv.calls.Load())
	assert.True(t, res.Fallback)
	assert.NoError(t, res.Err)
}

type fakeBedrock struct {
	in  *bedrockruntime.InvokeModelInput
	out string
	err error
}

func (f *fakeBedrock) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.out)}, nil
}

func TestBedrockInvoker(t *testing.T) {
	fb := &fakeBedrock{out: `{"content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}],"stop_reason":"end_turn"}`}
	inv := newBedrockInvoker(fb, BedrockConfig{ModelID: "model-x"})

	text, err := inv.Invoke(context.Background(), Image{Data: []byte{1, 2, 3}, MediaType: "image/jpeg"}, "describe")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, text)
	assert.Equal(t, "model-x", *fb.in.ModelId)

	var req bedrockRequest
	require.NoError(t, json.Unmarshal(fb.in.Body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req.AnthropicVersion)
	require.Len(t, req.Messages, 1)
	blocks := req.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "image/jpeg", blocks[0].Source.MediaType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), blocks[0].Source.Data)
	assert.Equal(t, "describe", blocks[1].Text)
}

func TestBedrockInvoker_ErrorClassification(t *testing.T) {
	validation := &smithy.GenericAPIError{Code: "ValidationException", Message: "image too large"}
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}

	_, err := newBedrockInvoker(&fakeBedrock{err: validation}, BedrockConfig{}).Invoke(context.Background(), Image{Data: []byte{1}}, "x")
	assert.True(t, retry.IsPermanent(err))

	_, err = newBedrockInvoker(&fakeBedrock{err: throttled}, BedrockConfig{}).Invoke(context.Background(), Image{Data: []byte{1}}, "x")
	assert.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	_, err = newBedrockInvoker(&fakeBedrock{}, BedrockConfig{}).Invoke(context.Background(), Image{}, "x")
	assert.True(t, retry.IsPermanent(err))
}
