package brewdream

import (
	"errors"
	"math"
	"strings"
)

const (
	DefaultModelID           = "stabilityai/sdxl-turbo"
	DefaultNegativePrompt    = "blurry, low quality, flat, 2d, distorted"
	DefaultNumInferenceSteps = 50
	DefaultSeed              = 42
	DefaultPrompt            = "barista"
	DefaultPipelineID        = "pip_SDXL-turbo"
)

var ErrUnknownTexture = errors.New("params: error invalid texture id")

type ControlNet struct {
	Enabled            bool           `json:"enabled"`
	ModelID            string         `json:"model_id"`
	Preprocessor       string         `json:"preprocessor"`
	PreprocessorParams map[string]any `json:"preprocessor_params"`
	ConditioningScale  float64        `json:"conditioning_scale"`
}

type IPAdapter struct {
	Enabled              bool    `json:"enabled"`
	Type                 string  `json:"type"`
	Scale                float64 `json:"scale"`
	WeightType           string  `json:"weight_type"`
	InsightfaceModelName string  `json:"insightface_model_name"`
}

// DiffusionParameters is the complete parameter object accepted by the
// remote diffusion pipeline. The remote side reloads models when fields are
// missing, so values are always passed through WithDefaults before sending.
type DiffusionParameters struct {
	ModelID                string       `json:"model_id"`
	Prompt                 string       `json:"prompt"`
	NegativePrompt         string       `json:"negative_prompt"`
	NumInferenceSteps      int          `json:"num_inference_steps"`
	// Seed is nil when unset; an explicit 0 is sent as is.
	Seed                   *int         `json:"seed"`
	TIndexList             []int        `json:"t_index_list"`
	ControlNets            []ControlNet `json:"controlnets"`
	IPAdapter              *IPAdapter   `json:"ip_adapter"`
	IPAdapterStyleImageURL string       `json:"ip_adapter_style_image_url,omitempty"`
}

func DefaultIPAdapter() IPAdapter {
	return IPAdapter{
		Enabled:              false,
		Type:                 "regular",
		Scale:                0,
		WeightType:           "linear",
		InsightfaceModelName: "buffalo_l",
	}
}

func DefaultControlNets() []ControlNet {
	return []ControlNet{
		{
			Enabled:            true,
			ModelID:            "xinsir/controlnet-depth-sdxl-1.0",
			Preprocessor:       "depth_tensorrt",
			PreprocessorParams: map[string]any{},
			ConditioningScale:  0.6,
		},
		{
			Enabled:            true,
			ModelID:            "xinsir/controlnet-canny-sdxl-1.0",
			Preprocessor:       "canny",
			PreprocessorParams: map[string]any{},
			ConditioningScale:  0.3,
		},
		{
			Enabled:            true,
			ModelID:            "xinsir/controlnet-tile-sdxl-1.0",
			Preprocessor:       "feedback",
			PreprocessorParams: map[string]any{},
			ConditioningScale:  0.2,
		},
	}
}

func DefaultParameters() DiffusionParameters {
	return DiffusionParameters{}.WithDefaults()
}

// WithDefaults returns a deep copy with every unset field populated. Zero
// values count as unset, except for Seed which is unset only when nil.
func (p DiffusionParameters) WithDefaults() DiffusionParameters {
	out := p.Clone()

	if out.ModelID == "" {
		out.ModelID = DefaultModelID
	}

	if out.NegativePrompt == "" {
		out.NegativePrompt = DefaultNegativePrompt
	}

	if out.NumInferenceSteps <= 0 {
		out.NumInferenceSteps = DefaultNumInferenceSteps
	}

	if out.Seed == nil {
		out.Seed = NewSeed(DefaultSeed)
	}

	if out.TIndexList == nil {
		out.TIndexList = []int{6, 12, 18}
	}

	if out.ControlNets == nil {
		out.ControlNets = []ControlNet{}
	}

	for i := range out.ControlNets {
		if out.ControlNets[i].PreprocessorParams == nil {
			out.ControlNets[i].PreprocessorParams = map[string]any{}
		}
	}

	if out.IPAdapter == nil {
		ip := DefaultIPAdapter()
		out.IPAdapter = &ip
	}

	return out
}

// Clone returns a copy sharing no mutable state with p.
func (p DiffusionParameters) Clone() DiffusionParameters {
	out := p

	if p.TIndexList != nil {
		out.TIndexList = append([]int(nil), p.TIndexList...)
	}

	if p.ControlNets != nil {
		out.ControlNets = make([]ControlNet, len(p.ControlNets))
		for i, cn := range p.ControlNets {
			out.ControlNets[i] = cn
			if cn.PreprocessorParams != nil {
				params := make(map[string]any, len(cn.PreprocessorParams))
				for k, v := range cn.PreprocessorParams {
					params[k] = v
				}
				out.ControlNets[i].PreprocessorParams = params
			}
		}
	}

	if p.IPAdapter != nil {
		ip := *p.IPAdapter
		out.IPAdapter = &ip
	}

	if p.Seed != nil {
		out.Seed = NewSeed(*p.Seed)
	}

	return out
}

func NewSeed(seed int) *int {
	return &seed
}

// TIndexScaling maps the intensity slider onto denoising step indexes.
type TIndexScaling struct {
	Base  float64 `json:"base"`
	Slope float64 `json:"slope"`
	Max   int     `json:"max"`
}

func DefaultTIndexScaling() TIndexScaling {
	return TIndexScaling{Base: 2.32, Slope: 0.132, Max: 49}
}

// TIndexList picks the step list for a quality band and scales it by
// intensity. Higher intensity yields lower indexes.
func (s TIndexScaling) TIndexList(intensity, quality float64) []int {
	var base []int
	switch {
	case quality < 0.25:
		base = []int{6}
	case quality < 0.5:
		base = []int{6, 12}
	case quality < 0.75:
		base = []int{6, 12, 18}
	default:
		base = []int{6, 12, 18, 24}
	}

	scale := s.Base - s.Slope*intensity

	out := make([]int, len(base))
	for i, v := range base {
		n := int(math.Floor(float64(v)*scale + 0.5))
		out[i] = max(0, min(s.Max, n))
	}

	return out
}

func TIndexList(intensity, quality float64) []int {
	return DefaultTIndexScaling().TIndexList(intensity, quality)
}

// BrewParams are the user-facing controls from which DiffusionParameters are
// derived.
type BrewParams struct {
	Prompt        string  `json:"prompt"`
	Texture       string  `json:"texture,omitempty"`
	TextureWeight float64 `json:"texture_weight"`
	Intensity     float64 `json:"intensity"`
	Quality       float64 `json:"quality"`
}

func DefaultBrewParams() BrewParams {
	return BrewParams{
		TextureWeight: 0.5,
		Intensity:     5,
		Quality:       0.4,
	}
}

type Texture struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type TextureCatalog []Texture

func (c TextureCatalog) Lookup(id string) (Texture, bool) {
	for _, t := range c {
		if t.ID == id {
			return t, true
		}
	}

	return Texture{}, false
}

func DefaultTextures() TextureCatalog {
	return TextureCatalog{
		{ID: "lava", Name: "Lava", URL: "https://t4.ftcdn.net/jpg/01/83/14/47/360_F_183144766_dbGaN37u6a4VCliXQ6wcarerpYmuLAto.jpg"},
		{ID: "galaxy_orion", Name: "Galaxy", URL: "https://science.nasa.gov/wp-content/uploads/2023/04/orion-nebula-xlarge_web-jpg.webp"},
		{ID: "dragon_scales", Name: "Dragon Scales", URL: "https://dl.polyhaven.org/file/ph-assets/Textures/jpg/1k/roof_tiles/roof_tiles_diff_1k.jpg"},
		{ID: "lightning", Name: "Lightning Bolt", URL: "https://opengameart.org/sites/default/files/l1.png"},
		{ID: "sand_dunes", Name: "Sand Dunes", URL: "https://dl.polyhaven.org/file/ph-assets/Textures/jpg/1k/aerial_sand/aerial_sand_diff_1k.jpg"},
		{ID: "sand_dunes_2", Name: "Beach Ripples", URL: "https://dl.polyhaven.org/file/ph-assets/Textures/jpg/1k/aerial_beach_01/aerial_beach_01_diff_1k.jpg"},
		{ID: "foam_ocean", Name: "Ocean Foam", URL: "https://t3.ftcdn.net/jpg/02/03/50/32/360_F_203503200_3M3ZmpW9nhU6faaF3fewlkIMtRWxlHye.jpg"},
	}
}

// BuildParameters turns the user-facing controls into a complete parameter
// snapshot.
func BuildParameters(brew BrewParams, textures TextureCatalog, scaling TIndexScaling) (DiffusionParameters, error) {
	prompt := strings.TrimSpace(brew.Prompt)
	if prompt == "" {
		prompt = DefaultPrompt
	}

	ip := DefaultIPAdapter()
	params := DiffusionParameters{
		ModelID:           DefaultModelID,
		Prompt:            prompt,
		NegativePrompt:    DefaultNegativePrompt,
		NumInferenceSteps: DefaultNumInferenceSteps,
		Seed:              NewSeed(DefaultSeed),
		TIndexList:        scaling.TIndexList(brew.Intensity, brew.Quality),
		ControlNets:       DefaultControlNets(),
		IPAdapter:         &ip,
	}

	if brew.Texture != "" {
		texture, ok := textures.Lookup(brew.Texture)
		if !ok {
			return DiffusionParameters{}, ErrUnknownTexture
		}

		params.IPAdapter.Enabled = true
		params.IPAdapter.Scale = brew.TextureWeight
		params.IPAdapterStyleImageURL = texture.URL
	}

	return params, nil
}
