// Package release decides the physical state of an object when its holder
// lets go of it or loses it.
package release

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"colocate/internal/follow"
	"colocate/internal/spatial"
)

// Mode is the physical-state flag of an object.
type Mode string

const (
	ModeKinematic Mode = "kinematic"
	ModeDynamic   Mode = "dynamic"
)

// ParseMode accepts "kinematic" or "dynamic" (case-insensitive). The empty
// string yields the default.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(ModeKinematic):
		return ModeKinematic, nil
	case string(ModeDynamic):
		return ModeDynamic, nil
	default:
		return "", fmt.Errorf("release: unknown rest mode %q", value)
	}
}

// RestConfig is the per-object static release policy.
type RestConfig struct {
	Mode                 Mode `json:"mode" yaml:"mode" cbor:"mode"`
	ApplyReleaseVelocity bool `json:"applyReleaseVelocity" yaml:"applyReleaseVelocity" cbor:"applyReleaseVelocity"`
}

// DefaultRestConfig rests kinematic and applies release velocity once the
// mode is switched to dynamic.
func DefaultRestConfig() RestConfig {
	return RestConfig{Mode: ModeKinematic, ApplyReleaseVelocity: true}
}

// Normalized fills an unset mode with the default. The zero value is the
// default policy.
func (c RestConfig) Normalized() RestConfig {
	if c == (RestConfig{}) {
		return DefaultRestConfig()
	}
	if c.Mode != ModeDynamic {
		c.Mode = ModeKinematic
	}
	return c
}

// restFields has RestConfig's layout without its decode hooks.
type restFields RestConfig

// UnmarshalJSON starts from DefaultRestConfig, so a document that only names
// a mode keeps release velocity on. The YAML and CBOR hooks do the same.
func (c *RestConfig) UnmarshalJSON(data []byte) error {
	fields := restFields(DefaultRestConfig())
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*c = RestConfig(fields)
	return nil
}

func (c *RestConfig) UnmarshalYAML(node *yaml.Node) error {
	fields := restFields(DefaultRestConfig())
	if err := node.Decode(&fields); err != nil {
		return err
	}
	*c = RestConfig(fields)
	return nil
}

func (c *RestConfig) UnmarshalCBOR(data []byte) error {
	fields := restFields(DefaultRestConfig())
	if err := cbor.Unmarshal(data, &fields); err != nil {
		return err
	}
	*c = RestConfig(fields)
	return nil
}

// Body is the physical state the engine should apply to an object.
type Body struct {
	Mode    Mode         `json:"mode" cbor:"mode"`
	Linear  spatial.Vec3 `json:"linear" cbor:"linear"`
	Angular spatial.Vec3 `json:"angular" cbor:"angular"`
}

// Kinematic reports whether the body ignores physics.
func (b Body) Kinematic() bool { return b.Mode != ModeDynamic }

// Hold is the state of a held object on every participant: kinematic with
// no velocity.
func Hold() Body {
	return Body{Mode: ModeKinematic}
}

// Reconcile computes the body after a voluntary release by the owner. Only
// the releasing actor may call it; everyone else uses Settle.
func Reconcile(rest RestConfig, estimate follow.VelocityEstimate) Body {
	rest = rest.Normalized()
	body := Body{Mode: rest.Mode}
	if rest.Mode == ModeDynamic && rest.ApplyReleaseVelocity {
		body.Linear = estimate.Linear
		body.Angular = estimate.Angular
	}
	return body
}

// Settle computes the body after an involuntary loss, or on a participant
// that did not perform the release. No velocity is injected.
func Settle(rest RestConfig) Body {
	return Body{Mode: rest.Normalized().Mode}
}
