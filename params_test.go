package brewdream

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestTIndexList_lowQualityZeroIntensity(t *testing.T) {
	got := TIndexList(0, 0.1)
	if want := []int{14}; !reflect.DeepEqual(got, want) {
		t.Errorf("TIndexList(0, 0.1) = %v, want %v", got, want)
	}
}

func TestTIndexList_bands(t *testing.T) {
	tests := []struct {
		intensity, quality float64
		want               []int
	}{
		{0, 0.3, []int{14, 28}},
		{0, 0.6, []int{14, 28, 42}},
		{0, 0.9, []int{14, 28, 42, 49}},
		{10, 0.6, []int{6, 12, 18}},
		{5, 0.4, []int{10, 20}},
		{100, 0.9, []int{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		if got := TIndexList(tt.intensity, tt.quality); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("TIndexList(%v, %v) = %v, want %v", tt.intensity, tt.quality, got, tt.want)
		}
	}
}

func TestTIndexScaling_custom(t *testing.T) {
	s := TIndexScaling{Base: 2.62, Slope: 0.132, Max: 50}
	if got := s.TIndexList(0, 0.9); !reflect.DeepEqual(got, []int{16, 31, 47, 50}) {
		t.Errorf("custom scaling = %v", got)
	}
}

func TestWithDefaults_populatesEveryField(t *testing.T) {
	p := DiffusionParameters{Prompt: "barista"}.WithDefaults()

	if p.ModelID != DefaultModelID || p.NegativePrompt != DefaultNegativePrompt {
		t.Errorf("model/negative prompt not defaulted: %+v", p)
	}
	if p.NumInferenceSteps != 50 || p.Seed == nil || *p.Seed != 42 {
		t.Errorf("steps/seed not defaulted: %+v", p)
	}
	if !reflect.DeepEqual(p.TIndexList, []int{6, 12, 18}) {
		t.Errorf("t_index_list = %v", p.TIndexList)
	}
	if p.ControlNets == nil || len(p.ControlNets) != 0 {
		t.Errorf("controlnets should be an empty list, got %v", p.ControlNets)
	}
	if p.IPAdapter == nil || p.IPAdapter.Enabled || p.IPAdapter.InsightfaceModelName != "buffalo_l" {
		t.Errorf("ip_adapter not defaulted: %+v", p.IPAdapter)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"model_id", "prompt", "negative_prompt", "num_inference_steps", "seed", "t_index_list", "controlnets", "ip_adapter"} {
		if fields[key] == nil {
			t.Errorf("field %q missing or null in %s", key, raw)
		}
	}
	if _, ok := fields["ip_adapter_style_image_url"]; ok {
		t.Errorf("style image url should be omitted when empty: %s", raw)
	}
}

func TestWithDefaults_keepsCallerValues(t *testing.T) {
	in := DiffusionParameters{
		ModelID:           "custom/model",
		Prompt:            "latte art",
		NumInferenceSteps: 25,
		Seed:              NewSeed(7),
		TIndexList:        []int{3},
	}
	p := in.WithDefaults()

	if p.ModelID != "custom/model" || p.NumInferenceSteps != 25 || *p.Seed != 7 || !reflect.DeepEqual(p.TIndexList, []int{3}) {
		t.Errorf("caller values overwritten: %+v", p)
	}
}

func TestWithDefaults_keepsExplicitZeroSeed(t *testing.T) {
	p := DiffusionParameters{Seed: NewSeed(0)}.WithDefaults()
	if p.Seed == nil || *p.Seed != 0 {
		t.Fatalf("seed = %v, want explicit 0", p.Seed)
	}

	var decoded DiffusionParameters
	if err := json.Unmarshal([]byte(`{"prompt":"x","seed":0}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if got := decoded.WithDefaults().Seed; got == nil || *got != 0 {
		t.Errorf("decoded seed = %v, want 0", got)
	}

	var absent DiffusionParameters
	if err := json.Unmarshal([]byte(`{"prompt":"x"}`), &absent); err != nil {
		t.Fatal(err)
	}
	if got := absent.WithDefaults().Seed; got == nil || *got != DefaultSeed {
		t.Errorf("absent seed = %v, want %d", got, DefaultSeed)
	}
}

func TestClone_isDeep(t *testing.T) {
	orig := buildTestParameters(t)
	clone := orig.Clone()

	clone.TIndexList[0] = 99
	clone.ControlNets[0].ConditioningScale = 9
	clone.ControlNets[0].PreprocessorParams["k"] = "v"
	clone.IPAdapter.Scale = 9
	*clone.Seed = 9

	if orig.TIndexList[0] == 99 || orig.ControlNets[0].ConditioningScale == 9 || orig.IPAdapter.Scale == 9 || *orig.Seed == 9 {
		t.Error("clone shares state with original")
	}
	if _, ok := orig.ControlNets[0].PreprocessorParams["k"]; ok {
		t.Error("clone shares preprocessor params map")
	}
}

func TestBuildParameters(t *testing.T) {
	p, err := BuildParameters(BrewParams{Prompt: "  ", Intensity: 0, Quality: 0.1}, DefaultTextures(), DefaultTIndexScaling())
	if err != nil {
		t.Fatal(err)
	}
	if p.Prompt != DefaultPrompt {
		t.Errorf("prompt = %q, want default", p.Prompt)
	}
	if len(p.ControlNets) != 3 {
		t.Errorf("expected 3 controlnets, got %d", len(p.ControlNets))
	}
	if p.IPAdapter.Enabled || p.IPAdapterStyleImageURL != "" {
		t.Errorf("ip adapter should be disabled without texture: %+v", p.IPAdapter)
	}

	p, err = BuildParameters(BrewParams{Prompt: "dragon", Texture: "lava", TextureWeight: 0.7}, DefaultTextures(), DefaultTIndexScaling())
	if err != nil {
		t.Fatal(err)
	}
	if !p.IPAdapter.Enabled || p.IPAdapter.Scale != 0.7 || p.IPAdapterStyleImageURL == "" {
		t.Errorf("texture not applied: %+v %q", p.IPAdapter, p.IPAdapterStyleImageURL)
	}

	_, err = BuildParameters(BrewParams{Texture: "nope"}, DefaultTextures(), DefaultTIndexScaling())
	if !errors.Is(err, ErrUnknownTexture) {
		t.Errorf("expected ErrUnknownTexture, got %v", err)
	}
}

func buildTestParameters(t *testing.T) DiffusionParameters {
	t.Helper()
	p, err := BuildParameters(BrewParams{Prompt: "barista", Texture: "lava", TextureWeight: 0.5, Quality: 0.6}, DefaultTextures(), DefaultTIndexScaling())
	if err != nil {
		t.Fatal(err)
	}
	return p
}
