package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

const (
	TypeOneClick          Type = "ONE_CLICK"
	TypeBackgroundReplace Type = "BACKGROUND_REPLACE"
	TypeOutpaint          Type = "OUTPAINT"
	TypeUpscale           Type = "UPSCALE"
	TypeWatermark         Type = "WATERMARK"
)

// Stage names one step of the image pipeline.
type Stage string

const (
	StageBackgroundReplace Stage = "backgroundReplace"
	StageOutpaint          Stage = "outpaint"
	StageUpscale           Stage = "upscale"
	StageWatermark         Stage = "watermark"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{StageBackgroundReplace, StageOutpaint, StageUpscale, StageWatermark}

// StepSet records a boolean per pipeline stage.
type StepSet struct {
	BackgroundReplace bool `json:"backgroundReplace"`
	Outpaint          bool `json:"outpaint"`
	Upscale           bool `json:"upscale"`
	Watermark         bool `json:"watermark"`
}

func (s StepSet) Get(st Stage) bool {
	switch st {
	case StageBackgroundReplace:
		return s.BackgroundReplace
	case StageOutpaint:
		return s.Outpaint
	case StageUpscale:
		return s.Upscale
	case StageWatermark:
		return s.Watermark
	}
	return false
}

func (s *StepSet) Set(st Stage, v bool) {
	switch st {
	case StageBackgroundReplace:
		s.BackgroundReplace = v
	case StageOutpaint:
		s.Outpaint = v
	case StageUpscale:
		s.Upscale = v
	case StageWatermark:
		s.Watermark = v
	}
}

func (s StepSet) Count() int {
	n := 0
	for _, st := range Stages {
		if s.Get(st) {
			n++
		}
	}
	return n
}

// Params is the typed input of one job kind.
type Params interface {
	Kind() Type
	Validate() error
	// StageCount is the default totalSteps for a job carrying these params.
	StageCount() int
}

type OutpaintOptions struct {
	Left   int `json:"left,omitempty"`
	Right  int `json:"right,omitempty"`
	Top    int `json:"top,omitempty"`
	Bottom int `json:"bottom,omitempty"`
}

func (o OutpaintOptions) validate() error {
	if o.Left < 0 || o.Right < 0 || o.Top < 0 || o.Bottom < 0 {
		return Invalid("outpaint margins must not be negative")
	}
	return nil
}

type PipelineParams struct {
	ImageURL      string          `json:"imageUrl"`
	BackgroundURL string          `json:"backgroundUrl,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	Outpaint      OutpaintOptions `json:"outpaint"`
	UpscaleScale  int             `json:"upscaleScale,omitempty"`
	WatermarkText string          `json:"watermarkText,omitempty"`
	Steps         StepSet         `json:"steps"`
}

func (p *PipelineParams) Kind() Type { return TypeOneClick }

func (p *PipelineParams) StageCount() int { return max(1, p.Steps.Count()) }

func (p *PipelineParams) Validate() error {
	if strings.TrimSpace(p.ImageURL) == "" {
		return Invalid("imageUrl is required")
	}
	if p.Steps.Count() == 0 {
		return Invalid("at least one pipeline step must be enabled")
	}
	if p.Steps.BackgroundReplace && (p.BackgroundURL == "" || strings.TrimSpace(p.Prompt) == "") {
		return Invalid("backgroundUrl and prompt are required for background replacement")
	}
	if p.UpscaleScale != 0 && p.UpscaleScale != 2 && p.UpscaleScale != 4 {
		return Invalid("upscaleScale must be 2 or 4")
	}
	return p.Outpaint.validate()
}

type BackgroundReplaceParams struct {
	ImageURL      string `json:"imageUrl"`
	BackgroundURL string `json:"backgroundUrl"`
	Prompt        string `json:"prompt"`
}

func (p *BackgroundReplaceParams) Kind() Type      { return TypeBackgroundReplace }
func (p *BackgroundReplaceParams) StageCount() int { return 1 }

func (p *BackgroundReplaceParams) Validate() error {
	if p.ImageURL == "" || p.BackgroundURL == "" {
		return Invalid("imageUrl and backgroundUrl are required")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return Invalid("prompt is required")
	}
	return nil
}

type OutpaintParams struct {
	ImageURL string `json:"imageUrl"`
	Prompt   string `json:"prompt,omitempty"`
	OutpaintOptions
}

func (p *OutpaintParams) Kind() Type      { return TypeOutpaint }
func (p *OutpaintParams) StageCount() int { return 1 }

func (p *OutpaintParams) Validate() error {
	if p.ImageURL == "" {
		return Invalid("imageUrl is required")
	}
	return p.OutpaintOptions.validate()
}

type UpscaleParams struct {
	ImageURL string `json:"imageUrl"`
	Scale    int    `json:"scale,omitempty"`
}

func (p *UpscaleParams) Kind() Type      { return TypeUpscale }
func (p *UpscaleParams) StageCount() int { return 1 }

func (p *UpscaleParams) Validate() error {
	if p.ImageURL == "" {
		return Invalid("imageUrl is required")
	}
	if p.Scale != 0 && p.Scale != 2 && p.Scale != 4 {
		return Invalid("scale must be 2 or 4")
	}
	return nil
}

type WatermarkParams struct {
	ImageURL string `json:"imageUrl"`
	Text     string `json:"text,omitempty"`
}

func (p *WatermarkParams) Kind() Type      { return TypeWatermark }
func (p *WatermarkParams) StageCount() int { return 1 }

func (p *WatermarkParams) Validate() error {
	if p.ImageURL == "" {
		return Invalid("imageUrl is required")
	}
	return nil
}

// NewParams returns an empty params value for a job type.
func NewParams(t Type) (Params, error) {
	switch t {
	case TypeOneClick:
		return &PipelineParams{}, nil
	case TypeBackgroundReplace:
		return &BackgroundReplaceParams{}, nil
	case TypeOutpaint:
		return &OutpaintParams{}, nil
	case TypeUpscale:
		return &UpscaleParams{}, nil
	case TypeWatermark:
		return &WatermarkParams{}, nil
	}
	return nil, Invalid("unknown job type %q", t)
}

// DecodeParams decodes the stored input envelope of a job of type t.
func DecodeParams(t Type, raw []byte) (Params, error) {
	p, err := NewParams(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, Invalid("inputData is required")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode inputData: %v", ErrValidation, err)
	}
	return p, nil
}

// Output is the result envelope of a finished job.
type Output struct {
	ResultURL      string           `json:"resultUrl,omitempty"`
	ArtifactID     string           `json:"artifactId,omitempty"`
	ProcessSteps   StepSet          `json:"processSteps"`
	RequestedSteps StepSet          `json:"requestedSteps"`
	StageErrors    map[Stage]string `json:"stageErrors,omitempty"`
}

// UnmarshalJSON decodes inputData according to the job type.
func (j *Job) UnmarshalJSON(data []byte) error {
	type plain Job
	var aux struct {
		*plain
		Input json.RawMessage `json:"inputData,omitempty"`
	}
	aux.plain = (*plain)(j)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Input) == 0 {
		return nil
	}
	p, err := DecodeParams(j.Type, aux.Input)
	if err != nil {
		return err
	}
	j.Input = p
	return nil
}
