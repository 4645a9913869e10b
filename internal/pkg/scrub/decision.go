package scrub

import "fmt"

// DecisionKind is what the matching rule asked for.
type DecisionKind uint8

const (
	// DecisionNone means no rule matched; the engine default actions apply.
	DecisionNone DecisionKind = iota
	// DecisionNormalize applies the decision's own actions.
	DecisionNormalize
	// DecisionNoScrub passes the packet untouched.
	DecisionNoScrub
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionNone:
		return "none"
	case DecisionNormalize:
		return "scrub"
	case DecisionNoScrub:
		return "no-scrub"
	default:
		return fmt.Sprintf("decision(%d)", uint8(k))
	}
}

// Actions is the normalization bundle applied to a packet.
type Actions struct {
	Reassemble bool   `mapstructure:"reassemble" yaml:"reassemble"`
	NoDF       bool   `mapstructure:"no_df" yaml:"no_df"`
	MinTTL     uint8  `mapstructure:"min_ttl" yaml:"min_ttl"`
	MaxMSS     uint16 `mapstructure:"max_mss" yaml:"max_mss"`
	RandomID   bool   `mapstructure:"random_id" yaml:"random_id"`
	SetTOS     bool   `mapstructure:"set_tos" yaml:"set_tos"`
	TOS        uint8  `mapstructure:"tos" yaml:"tos"`
}

// Decision is the resolved rule outcome for one packet.
type Decision struct {
	Kind    DecisionKind
	Rule    string
	Log     bool
	Actions Actions
}
