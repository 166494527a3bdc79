// Package runpod binds the cloud.Provider interface to the RunPod GraphQL
// API. Status truth always comes from a pod query, never from the create
// call's transport-level success.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antonkrylov/podchat/internal/cloud"
)

// DefaultEndpoint is the public RunPod GraphQL endpoint.
const DefaultEndpoint = "https://api.runpod.io/graphql"

// DefaultImage is the CUDA-enabled pytorch image pods boot with.
const DefaultImage = "runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel"

const sshUser = "root"

// Options configure the client.
type Options struct {
	Endpoint   string
	HTTPClient *http.Client
	// StopSettle is how long to wait between stopping and terminating a pod.
	StopSettle time.Duration
}

func (o *Options) setDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.StopSettle <= 0 {
		o.StopSettle = 2 * time.Second
	}
}

// Client talks to the RunPod GraphQL API.
type Client struct {
	http       *http.Client
	endpoint   string
	apiKey     string
	stopSettle time.Duration
}

var _ cloud.Provider = (*Client)(nil)

// New builds a client for the given API key.
func New(apiKey string, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		http:       opts.HTTPClient,
		endpoint:   opts.Endpoint,
		apiKey:     apiKey,
		stopSettle: opts.StopSettle,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("runpod endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("runpod: authentication failed (http %d), check RUNPOD_API_KEY", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", cloud.ErrProviderUnavailable, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", cloud.ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runpod: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var gql gqlResponse
	if err := json.Unmarshal(b, &gql); err != nil {
		return fmt.Errorf("runpod: decode response: %w", err)
	}
	if len(gql.Errors) > 0 {
		return classifyAPIError(gql.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return fmt.Errorf("runpod: decode data: %w", err)
		}
	}
	return nil
}

func classifyAPIError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no longer any instances") || strings.Contains(lower, "quota"):
		return fmt.Errorf("%w: %s", cloud.ErrQuotaExceeded, msg)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "unknown gpu"):
		return fmt.Errorf("%w: %s", cloud.ErrInvalidSpec, msg)
	default:
		return fmt.Errorf("runpod: %s", msg)
	}
}

const createQuery = `mutation($input: PodFindAndDeployOnDemandInput) {
  podFindAndDeployOnDemand(input: $input) {
    id
    name
    imageName
    machineId
  }
}`

// Create deploys an on-demand pod. The cost ceiling is enforced against the
// advertised price before any request is issued: a pod that would bill over
// the ceiling is never created in the first place.
func (c *Client) Create(ctx context.Context, spec cloud.Spec) (*cloud.Instance, error) {
	if strings.TrimSpace(spec.GPUType) == "" {
		return nil, fmt.Errorf("%w: gpu type is required", cloud.ErrInvalidSpec)
	}
	count := spec.GPUCount
	if count <= 0 {
		count = 1
	}
	disk := spec.DiskGB
	if disk <= 0 {
		disk = 50
	}
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}
	name := spec.Name
	if name == "" {
		name = "podchat"
	}

	price := PriceFor(spec.GPUType) * float64(count)
	if spec.CostCeiling > 0 && price > spec.CostCeiling {
		return nil, fmt.Errorf("%w: %dx %s at $%.2f/hr exceeds $%.2f/hr",
			cloud.ErrCostCeiling, count, spec.GPUType, price, spec.CostCeiling)
	}

	input := map[string]any{
		"cloudType":         "SECURE",
		"name":              name,
		"imageName":         image,
		"gpuTypeId":         ResolveGPUTypeID(spec.GPUType),
		"gpuCount":          count,
		"volumeInGb":        disk,
		"containerDiskInGb": disk,
		"ports":             "22/tcp",
		"env": []map[string]string{
			{"key": "JUPYTER_DISABLE_PASSWORDS", "value": "1"},
		},
	}

	var out struct {
		Pod *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"podFindAndDeployOnDemand"`
	}
	if err := c.do(ctx, createQuery, map[string]any{"input": input}, &out); err != nil {
		return nil, err
	}
	if out.Pod == nil || out.Pod.ID == "" {
		return nil, fmt.Errorf("%w: deploy returned no pod", cloud.ErrQuotaExceeded)
	}

	return &cloud.Instance{
		ID:        out.Pod.ID,
		Name:      name,
		GPUType:   spec.GPUType,
		GPUCount:  count,
		Status:    cloud.StatusProvisioning,
		HourlyUSD: price,
		CreatedAt: time.Now(),
	}, nil
}

const statusQuery = `query($id: String!) {
  pod(input: {podId: $id}) {
    id
    name
    desiredStatus
    costPerHr
    machine { gpuDisplayName }
    runtime {
      uptimeInSeconds
      ports { ip isIpPublic privatePort publicPort type }
    }
  }
}`

type podPayload struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DesiredStatus string  `json:"desiredStatus"`
	CostPerHr     float64 `json:"costPerHr"`
	Machine       *struct {
		GPUDisplayName string `json:"gpuDisplayName"`
	} `json:"machine"`
	Runtime *struct {
		UptimeInSeconds int64 `json:"uptimeInSeconds"`
		Ports           []struct {
			IP          string `json:"ip"`
			IsIPPublic  bool   `json:"isIpPublic"`
			PrivatePort int    `json:"privatePort"`
			PublicPort  int    `json:"publicPort"`
			Type        string `json:"type"`
		} `json:"ports"`
	} `json:"runtime"`
}

// Status reads the pod's current state. A pod the API no longer returns maps
// to cloud.ErrNotFound.
func (c *Client) Status(ctx context.Context, id string) (*cloud.Instance, error) {
	var out struct {
		Pod *podPayload `json:"pod"`
	}
	if err := c.do(ctx, statusQuery, map[string]any{"id": id}, &out); err != nil {
		return nil, err
	}
	if out.Pod == nil {
		return nil, fmt.Errorf("%w: %s", cloud.ErrNotFound, id)
	}

	inst := &cloud.Instance{
		ID:        out.Pod.ID,
		Name:      out.Pod.Name,
		Status:    mapStatus(out.Pod.DesiredStatus),
		HourlyUSD: out.Pod.CostPerHr,
	}
	if out.Pod.Machine != nil {
		inst.GPUType = out.Pod.Machine.GPUDisplayName
	}
	if out.Pod.Runtime != nil {
		for _, p := range out.Pod.Runtime.Ports {
			if p.PrivatePort == 22 && p.IsIPPublic {
				inst.Endpoint = cloud.Endpoint{Host: p.IP, Port: p.PublicPort, User: sshUser}
				break
			}
		}
	}
	return inst, nil
}

func mapStatus(desired string) cloud.Status {
	switch strings.ToUpper(strings.TrimSpace(desired)) {
	case "RUNNING":
		return cloud.StatusRunning
	case "EXITED", "STOPPED":
		return cloud.StatusTerminating
	case "TERMINATED", "DEAD":
		return cloud.StatusTerminated
	default:
		// CREATED and anything unrecognized: still coming up.
		return cloud.StatusProvisioning
	}
}

const stopQuery = `mutation($id: String!) {
  podStop(input: {podId: $id}) { id desiredStatus }
}`

const terminateQuery = `mutation($id: String!) {
  podTerminate(input: {podId: $id})
}`

// Terminate stops the pod, lets the stop settle, then terminates it. Stop
// failures are not fatal: an already-exited pod rejects podStop but still
// accepts podTerminate. Callers must confirm via ConfirmTerminated; a clean
// return here is not proof the pod is gone.
func (c *Client) Terminate(ctx context.Context, id string) error {
	if stopErr := c.do(ctx, stopQuery, map[string]any{"id": id}, nil); stopErr == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.stopSettle):
		}
	}
	return c.do(ctx, terminateQuery, map[string]any{"id": id}, nil)
}

const gpuTypesQuery = `query GpuTypes {
  gpuTypes { id displayName memoryInGb }
}`

// Offers merges the live GPU type listing with the static price table. Types
// the API currently returns are available; known types it omits show up
// unavailable so the catalog stays visible when capacity is tight.
func (c *Client) Offers(ctx context.Context) ([]cloud.Offer, error) {
	var out struct {
		GPUTypes []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			MemoryInGb  int    `json:"memoryInGb"`
		} `json:"gpuTypes"`
	}
	if err := c.do(ctx, gpuTypesQuery, nil, &out); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out.GPUTypes))
	offers := make([]cloud.Offer, 0, len(out.GPUTypes))
	for _, g := range out.GPUTypes {
		// RunPod ids are the canonical display-style names; displayName drops
		// the vendor prefix.
		name := g.ID
		if name == "" {
			name = g.DisplayName
		}
		seen[name] = true
		offers = append(offers, cloud.Offer{
			GPUType:   name,
			VRAMGb:    g.MemoryInGb,
			HourlyUSD: PriceFor(name),
			Available: true,
		})
	}
	for _, o := range StaticOffers() {
		if !seen[o.GPUType] {
			o.Available = false
			offers = append(offers, o)
		}
	}
	return offers, nil
}
