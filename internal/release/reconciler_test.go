package release

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"colocate/internal/follow"
	"colocate/internal/spatial"
)

func TestReconcile(t *testing.T) {
	estimate := follow.VelocityEstimate{
		Linear:  spatial.Vec3{X: 50},
		Angular: spatial.Vec3{Y: 3},
	}
	tests := []struct {
		name string
		rest RestConfig
		want Body
	}{
		{
			name: "default rests kinematic without velocity",
			rest: DefaultRestConfig(),
			want: Body{Mode: ModeKinematic},
		},
		{
			name: "dynamic seeds velocity",
			rest: RestConfig{Mode: ModeDynamic, ApplyReleaseVelocity: true},
			want: Body{Mode: ModeDynamic, Linear: estimate.Linear, Angular: estimate.Angular},
		},
		{
			name: "dynamic without release velocity",
			rest: RestConfig{Mode: ModeDynamic},
			want: Body{Mode: ModeDynamic},
		},
		{
			name: "unset mode falls back to kinematic",
			rest: RestConfig{ApplyReleaseVelocity: true},
			want: Body{Mode: ModeKinematic},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reconcile(tc.rest, estimate); got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestSettleNeverInjectsVelocity(t *testing.T) {
	body := Settle(RestConfig{Mode: ModeDynamic, ApplyReleaseVelocity: true})
	if body.Mode != ModeDynamic || body.Linear != spatial.Zero || body.Angular != spatial.Zero {
		t.Fatalf("unexpected settled body %+v", body)
	}
}

func TestHoldIsKinematic(t *testing.T) {
	if !Hold().Kinematic() {
		t.Fatalf("expected held body to be kinematic")
	}
}

func TestParseMode(t *testing.T) {
	for input, want := range map[string]Mode{"": ModeKinematic, "Dynamic": ModeDynamic, " kinematic ": ModeKinematic} {
		got, err := ParseMode(input)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseMode("floating"); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestDecodedRestConfigKeepsReleaseVelocityDefault(t *testing.T) {
	want := RestConfig{Mode: ModeDynamic, ApplyReleaseVelocity: true}

	var fromJSON RestConfig
	if err := json.Unmarshal([]byte(`{"mode":"dynamic"}`), &fromJSON); err != nil {
		t.Fatalf("json: %v", err)
	}
	if fromJSON != want {
		t.Fatalf("json: expected %+v, got %+v", want, fromJSON)
	}

	var fromYAML RestConfig
	if err := yaml.Unmarshal([]byte("mode: dynamic\n"), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML != want {
		t.Fatalf("yaml: expected %+v, got %+v", want, fromYAML)
	}

	encoded, err := cbor.Marshal(map[string]string{"mode": "dynamic"})
	if err != nil {
		t.Fatalf("cbor encode: %v", err)
	}
	var fromCBOR RestConfig
	if err := cbor.Unmarshal(encoded, &fromCBOR); err != nil {
		t.Fatalf("cbor: %v", err)
	}
	if fromCBOR != want {
		t.Fatalf("cbor: expected %+v, got %+v", want, fromCBOR)
	}

	var explicit RestConfig
	if err := json.Unmarshal([]byte(`{"mode":"dynamic","applyReleaseVelocity":false}`), &explicit); err != nil {
		t.Fatalf("json: %v", err)
	}
	if explicit.ApplyReleaseVelocity {
		t.Fatalf("explicit false must survive decoding")
	}
}

func TestZeroRestConfigNormalizesToDefault(t *testing.T) {
	if got := (RestConfig{}).Normalized(); got != DefaultRestConfig() {
		t.Fatalf("expected %+v, got %+v", DefaultRestConfig(), got)
	}
	if got := (RestConfig{Mode: ModeDynamic}).Normalized(); got.ApplyReleaseVelocity {
		t.Fatalf("a set mode keeps its explicit velocity flag, got %+v", got)
	}
}
