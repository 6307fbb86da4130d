package kind

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// Builtin returns the generation kinds supported out of the box.
func Builtin() []Kind {
	return []Kind{
		Imagen4(),
		FluxPro(),
		FluxKontext(),
		Kling21(),
		Hailuo02(),
		Lyria2(),
		MinimaxSpeech(),
	}
}

// NewBuiltinRegistry returns a registry loaded with the builtin kinds.
func NewBuiltinRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		// Builtin names are unique.
		panic(err)
	}
	return r
}

const (
	imageUnitCost        = 0.04
	klingCostPerSecond   = 0.05
	hailuoCostPerSecond  = 0.045
	lyriaCostPer30s      = 0.1
	lyriaTypicalDuration = 95
	speechCostPer1000    = 0.1
)

// FlexInt decodes an integer given either as a JSON number or a numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var n json.Number
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n = json.Number(s)
	} else if err := json.Unmarshal(data, &n); err != nil {
		return err
	}

	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil || v != math.Trunc(v) {
		return fmt.Errorf("%q is not an integer", string(n))
	}
	*f = FlexInt(v)
	return nil
}

type textToImageParams struct {
	Prompt         string  `json:"prompt" validate:"required"`
	AspectRatio    string  `json:"aspect_ratio" validate:"omitempty,oneof=21:9 16:9 4:3 3:2 1:1 4:5 2:3 3:4 9:16 9:21"`
	NumImages      FlexInt `json:"num_images" validate:"gte=1,lte=4"`
	NegativePrompt string  `json:"negative_prompt"`
}

func textToImage(name, modelID, desc string) Definition[textToImageParams] {
	return Definition[textToImageParams]{
		KindName:        name,
		KindModelID:     modelID,
		KindCategory:    CategoryImage,
		KindDescription: desc,
		Defaults: func() textToImageParams {
			return textToImageParams{AspectRatio: "16:9", NumImages: 1}
		},
		Shape: func(p textToImageParams) map[string]any {
			return map[string]any{
				"aspect_ratio": p.AspectRatio,
				"num_images":   int(p.NumImages),
			}
		},
		Estimate: func(p textToImageParams) float64 {
			return imageUnitCost * float64(p.NumImages)
		},
	}
}

// Imagen4 is the Google Imagen 4 text to image kind.
func Imagen4() Kind {
	return textToImage("imagen4", "fal-ai/imagen4/preview", "Text to image with Google Imagen 4.")
}

// FluxPro is the FLUX Pro text to image kind.
func FluxPro() Kind {
	return textToImage("flux_pro", "fal-ai/flux-pro", "Text to image with FLUX Pro.")
}

type imageToImageParams struct {
	ImageURL        string  `json:"image_url" validate:"required,url"`
	Prompt          string  `json:"prompt" validate:"required"`
	GuidanceScale   float64 `json:"guidance_scale" validate:"gte=1,lte=20"`
	SafetyTolerance string  `json:"safety_tolerance" validate:"oneof=1 2 3 4 5 6"`
	NumImages       FlexInt `json:"num_images" validate:"gte=1,lte=4"`
}

// FluxKontext is the FLUX Kontext image editing kind.
func FluxKontext() Kind {
	return Definition[imageToImageParams]{
		KindName:        "flux_kontext",
		KindModelID:     "fal-ai/flux-pro/kontext",
		KindCategory:    CategoryImage,
		KindDescription: "Image to image editing with FLUX Kontext.",
		Defaults: func() imageToImageParams {
			return imageToImageParams{GuidanceScale: 3.5, SafetyTolerance: "3", NumImages: 1}
		},
		Shape: func(p imageToImageParams) map[string]any {
			return map[string]any{
				"guidance_scale":   p.GuidanceScale,
				"safety_tolerance": p.SafetyTolerance,
				"num_images":       int(p.NumImages),
			}
		},
		Estimate: func(p imageToImageParams) float64 {
			return imageUnitCost * float64(p.NumImages)
		},
	}
}

type klingParams struct {
	ImageURL       string  `json:"image_url" validate:"required,url"`
	Prompt         string  `json:"prompt" validate:"required"`
	Duration       FlexInt `json:"duration" validate:"oneof=5 10"`
	AspectRatio    string  `json:"aspect_ratio" validate:"oneof=16:9 9:16 1:1"`
	NegativePrompt string  `json:"negative_prompt"`
	CFGScale       float64 `json:"cfg_scale" validate:"gte=0,lte=1"`
}

// Kling21 is the Kling 2.1 image to video kind.
func Kling21() Kind {
	return Definition[klingParams]{
		KindName:        "kling_2.1",
		KindModelID:     "fal-ai/kling-video/v2.1/standard/image-to-video",
		KindCategory:    CategoryVideo,
		KindDescription: "Image to video with Kling 2.1, 5 or 10 seconds.",
		Defaults: func() klingParams {
			return klingParams{
				Duration:       5,
				AspectRatio:    "16:9",
				NegativePrompt: "blur, distort, and low quality",
				CFGScale:       0.5,
			}
		},
		Shape: func(p klingParams) map[string]any {
			return map[string]any{
				// The model expects the duration as a string.
				"duration":        strconv.Itoa(int(p.Duration)),
				"aspect_ratio":    p.AspectRatio,
				"negative_prompt": p.NegativePrompt,
				"cfg_scale":       p.CFGScale,
			}
		},
		Estimate: func(p klingParams) float64 {
			return klingCostPerSecond * float64(p.Duration)
		},
	}
}

type hailuoParams struct {
	ImageURL        string  `json:"image_url" validate:"required,url"`
	Prompt          string  `json:"prompt" validate:"required"`
	Duration        FlexInt `json:"duration" validate:"oneof=6 10"`
	PromptOptimizer bool    `json:"prompt_optimizer"`
}

// Hailuo02 is the MiniMax Hailuo 02 image to video kind.
func Hailuo02() Kind {
	return Definition[hailuoParams]{
		KindName:        "hailuo_02",
		KindModelID:     "fal-ai/minimax/hailuo-02/standard/image-to-video",
		KindCategory:    CategoryVideo,
		KindDescription: "Image to video with MiniMax Hailuo 02, 6 or 10 seconds.",
		Defaults: func() hailuoParams {
			return hailuoParams{Duration: 6, PromptOptimizer: true}
		},
		Shape: func(p hailuoParams) map[string]any {
			return map[string]any{
				"duration":         strconv.Itoa(int(p.Duration)),
				"prompt_optimizer": p.PromptOptimizer,
			}
		},
		Estimate: func(p hailuoParams) float64 {
			return hailuoCostPerSecond * float64(p.Duration)
		},
	}
}

type musicParams struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt string  `json:"negative_prompt"`
	Duration       FlexInt `json:"duration" validate:"gte=1,lte=600"`
}

// Lyria2 is the Google Lyria 2 music kind. The duration argument is only used
// for the estimate, the model generates clips of about 95 seconds.
func Lyria2() Kind {
	return Definition[musicParams]{
		KindName:        "lyria2",
		KindModelID:     "fal-ai/lyria2",
		KindCategory:    CategoryMusic,
		KindDescription: "Instrumental music with Google Lyria 2.",
		Defaults: func() musicParams {
			return musicParams{Duration: lyriaTypicalDuration}
		},
		Shape: func(p musicParams) map[string]any {
			// Not a model argument.
			return map[string]any{"duration": nil}
		},
		Estimate: func(p musicParams) float64 {
			blocks := math.Ceil(float64(p.Duration) / 30)
			return lyriaCostPer30s * blocks
		},
	}
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id" validate:"required"`
	Speed   float64 `json:"speed" validate:"gte=0.5,lte=2"`
}

type speechParams struct {
	Text         string       `json:"text" validate:"required,max=5000"`
	VoiceSetting voiceSetting `json:"voice_setting"`
}

// MinimaxSpeech is the MiniMax Speech 02 HD text to speech kind.
func MinimaxSpeech() Kind {
	return Definition[speechParams]{
		KindName:        "minimax_speech",
		KindModelID:     "fal-ai/minimax/speech-02-hd",
		KindCategory:    CategorySpeech,
		KindDescription: "Text to speech with MiniMax Speech 02 HD.",
		Defaults: func() speechParams {
			return speechParams{VoiceSetting: voiceSetting{VoiceID: "Wise_Woman", Speed: 1}}
		},
		Shape: func(p speechParams) map[string]any {
			return map[string]any{
				"voice_setting": map[string]any{
					"voice_id": p.VoiceSetting.VoiceID,
					"speed":    p.VoiceSetting.Speed,
				},
			}
		},
		Estimate: func(p speechParams) float64 {
			blocks := math.Ceil(float64(utf8.RuneCountInString(p.Text)) / 1000)
			return speechCostPer1000 * blocks
		},
	}
}
