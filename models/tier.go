package models

import "fmt"

// Tier is the closed set of product tiers. Every tier maps to a defined
// feature set and limit set through exhaustive switches below, so an
// unknown tier is a compile-time or parse-time failure, never a silent
// fallback to starter.
type Tier int

const (
	TierTrial Tier = iota
	TierStarter
	TierProfessional
	TierEnterprise
)

const (
	FeatureBasicSentiment   = "basic_sentiment"
	FeatureMLSentiment      = "ml_sentiment"
	FeatureSimpleReports    = "simple_reports"
	FeatureAdvancedReports  = "advanced_reports"
	FeatureBatchProcessing  = "batch_processing"
	FeatureDeepAnalysis     = "deep_analysis"
	FeatureCustomModels     = "custom_models"
	FeatureWhiteLabel       = "white_label"
	FeatureStandardSupport  = "standard_support"
	FeaturePrioritySupport  = "priority_support"
	FeatureDedicatedSupport = "dedicated_support"
)

// Unlimited is the sentinel for limits that are never exceeded. It is a
// distinct value, not a large number; quota comparisons must go through
// Exceeds.
const Unlimited int64 = -1

// Limits holds the per-tier quota set. A value of Unlimited disables the
// corresponding check.
type Limits struct {
	Monthly   int64 `json:"monthly"`
	BatchSize int64 `json:"batch_size"`
	APICalls  int64 `json:"api_calls"`
}

// Exceeds reports whether current has reached limit. An Unlimited limit
// is never exceeded.
func Exceeds(current, limit int64) bool {
	if limit == Unlimited {
		return false
	}
	return current >= limit
}

func (t Tier) String() string {
	switch t {
	case TierTrial:
		return "trial"
	case TierStarter:
		return "starter"
	case TierProfessional:
		return "professional"
	case TierEnterprise:
		return "enterprise"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// ParseTier maps a tier name to its Tier. Unknown names are an error,
// never a default.
func ParseTier(name string) (Tier, error) {
	switch name {
	case "trial":
		return TierTrial, nil
	case "starter":
		return TierStarter, nil
	case "professional":
		return TierProfessional, nil
	case "enterprise":
		return TierEnterprise, nil
	}
	return 0, fmt.Errorf("unknown tier %q", name)
}

// Features returns the capability flags granted by the tier.
func (t Tier) Features() []string {
	switch t {
	case TierTrial:
		return []string{
			FeatureBasicSentiment,
			FeatureSimpleReports,
		}
	case TierStarter:
		return []string{
			FeatureBasicSentiment,
			FeatureSimpleReports,
			FeatureStandardSupport,
		}
	case TierProfessional:
		return []string{
			FeatureBasicSentiment,
			FeatureMLSentiment,
			FeatureAdvancedReports,
			FeatureBatchProcessing,
			FeaturePrioritySupport,
		}
	case TierEnterprise:
		return []string{
			FeatureBasicSentiment,
			FeatureMLSentiment,
			FeatureDeepAnalysis,
			FeatureCustomModels,
			FeatureWhiteLabel,
			FeatureBatchProcessing,
			FeatureDedicatedSupport,
		}
	}
	return nil
}

// Limits returns the quota set for the tier.
func (t Tier) Limits() Limits {
	switch t {
	case TierTrial:
		return Limits{Monthly: 100, BatchSize: 5, APICalls: 50}
	case TierStarter:
		return Limits{Monthly: 1000, BatchSize: 10, APICalls: 100}
	case TierProfessional:
		return Limits{Monthly: 10000, BatchSize: 100, APICalls: 1000}
	case TierEnterprise:
		return Limits{Monthly: Unlimited, BatchSize: 1000, APICalls: Unlimited}
	}
	return Limits{}
}

// HasFeature reports whether the tier grants the named capability.
func (t Tier) HasFeature(feature string) bool {
	for _, f := range t.Features() {
		if f == feature {
			return true
		}
	}
	return false
}

// MarshalText renders the tier by name so API responses and storage carry
// "professional" rather than an ordinal.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
