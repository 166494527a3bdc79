// Package modelmeta estimates the size and modality of a Hugging Face model.
// The estimates feed GPU selection and engine choice only; they are
// deliberately rough.
package modelmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHubEndpoint is the public Hugging Face Hub API host.
const DefaultHubEndpoint = "https://huggingface.co"

// Info describes one model well enough to size a GPU and pick an engine.
type Info struct {
	ID          string
	SizeGB      float64
	Vision      bool
	PipelineTag string
	Tags        []string
	// Estimated is set when SizeGB came from name heuristics rather than the
	// Hub file listing.
	Estimated bool
}

// Options configure the client.
type Options struct {
	Endpoint   string
	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultHubEndpoint
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
}

// Client fetches model metadata from the Hub.
type Client struct {
	http     *http.Client
	endpoint string
}

// New builds a Hub metadata client.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{http: opts.HTTPClient, endpoint: opts.Endpoint}
}

type hubModel struct {
	ID          string   `json:"id"`
	PipelineTag string   `json:"pipeline_tag"`
	Tags        []string `json:"tags"`
	Siblings    []struct {
		Rfilename string `json:"rfilename"`
		Size      int64  `json:"size"`
	} `json:"siblings"`
}

// Fetch reads the model listing from the Hub. Callers should treat errors as
// soft: Estimate gives a usable Info when the Hub is unreachable.
func (c *Client) Fetch(ctx context.Context, modelID string) (Info, error) {
	if strings.TrimSpace(modelID) == "" {
		return Info{}, fmt.Errorf("model id is required")
	}
	u := strings.TrimRight(c.endpoint, "/") + "/api/models/" + url.PathEscape(modelID) + "?blobs=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("hub: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Info{}, fmt.Errorf("hub: model %q not found", modelID)
	}
	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("hub: http %d for %s", resp.StatusCode, modelID)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Info{}, fmt.Errorf("hub: %w", err)
	}
	var m hubModel
	if err := json.Unmarshal(b, &m); err != nil {
		return Info{}, fmt.Errorf("hub: decode %s: %w", modelID, err)
	}

	info := Info{
		ID:          modelID,
		PipelineTag: m.PipelineTag,
		Tags:        m.Tags,
		Vision:      visionFromMeta(modelID, m.PipelineTag, m.Tags),
	}

	var total int64
	for _, s := range m.Siblings {
		if isWeightFile(s.Rfilename) {
			total += s.Size
		}
	}
	if total > 0 {
		info.SizeGB = float64(total) / (1 << 30)
	} else {
		info.SizeGB = sizeFromName(modelID)
		info.Estimated = true
	}
	return info, nil
}

// Estimate builds an Info from the model id alone, for when the Hub is
// unreachable or the listing carries no sizes.
func Estimate(modelID string) Info {
	return Info{
		ID:        modelID,
		SizeGB:    sizeFromName(modelID),
		Vision:    visionFromMeta(modelID, "", nil),
		Estimated: true,
	}
}

// RequiredVRAMGb converts a model size into the VRAM needed to serve it:
// twice the weights for KV cache and runtime overhead, half again for vision
// models.
func RequiredVRAMGb(info Info) float64 {
	need := info.SizeGB * 2
	if info.Vision {
		need *= 1.5
	}
	return need
}

func isWeightFile(name string) bool {
	for _, ext := range []string{".safetensors", ".bin", ".pt", ".pth"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// sizeFromName guesses weight size from parameter-count markers in the id.
// Checked in descending order so "13b" never matches the "3b" rule.
func sizeFromName(modelID string) float64 {
	lower := strings.ToLower(modelID)
	contains := func(markers ...string) bool {
		for _, m := range markers {
			if strings.Contains(lower, m) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("405b", "405-b"):
		return 810
	case contains("70b", "70-b"):
		return 140
	case contains("13b", "13-b"):
		return 26
	case contains("7b", "7-b"):
		return 14
	case contains("3b", "3-b", "3.2b"):
		return 6
	case contains("1b", "1-b", "1.5b"):
		return 3
	default:
		return 10
	}
}

var visionIndicators = []string{
	"image-text-to-text",
	"visual-question-answering",
	"vision",
	"multimodal",
	"llava",
	"clip",
	"vl",
}

func visionFromMeta(modelID, pipelineTag string, tags []string) bool {
	matches := func(s string) bool {
		s = strings.ToLower(s)
		for _, ind := range visionIndicators {
			if strings.Contains(s, ind) {
				return true
			}
		}
		return false
	}
	if matches(pipelineTag) || matches(modelID) {
		return true
	}
	for _, tag := range tags {
		if matches(tag) {
			return true
		}
	}
	return false
}
