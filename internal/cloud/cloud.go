// Package cloud defines the provider-agnostic surface for renting and
// releasing GPU instances. Concrete bindings live in subpackages (runpod).
package cloud

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle phase of an instance as reported by the provider.
type Status string

const (
	StatusProvisioning Status = "PROVISIONING"
	StatusRunning      Status = "RUNNING"
	StatusTerminating  Status = "TERMINATING"
	StatusTerminated   Status = "TERMINATED"
)

// Terminal reports whether the status can never transition to RUNNING again.
func (s Status) Terminal() bool {
	return s == StatusTerminating || s == StatusTerminated
}

// Endpoint is the SSH entry point a provider exposes for a running instance.
type Endpoint struct {
	Host string
	Port int
	User string
}

// Reachable reports whether the provider has published connection details yet.
// Providers mark an instance RUNNING before its port mappings exist.
func (e Endpoint) Reachable() bool {
	return e.Host != "" && e.Port > 0
}

// Instance is one rented GPU machine. Exactly one session owns an Instance;
// only the teardown path moves it to TERMINATED.
type Instance struct {
	ID        string
	Name      string
	GPUType   string
	GPUCount  int
	Status    Status
	Endpoint  Endpoint
	HourlyUSD float64
	CreatedAt time.Time
}

// Spec describes the instance to create. CostCeiling is the caller's maximum
// acceptable hourly price in USD; zero means no ceiling.
type Spec struct {
	Name        string
	GPUType     string
	GPUCount    int
	DiskGB      int
	Image       string
	CostCeiling float64
}

// Offer is one GPU type the provider can currently rent out.
type Offer struct {
	GPUType   string
	VRAMGb    int
	HourlyUSD float64
	Available bool
}

var (
	// ErrCostCeiling means the offer price exceeds the caller's ceiling. It is
	// returned before any create request is issued.
	ErrCostCeiling = errors.New("hourly cost exceeds ceiling")
	// ErrQuotaExceeded means the provider has no capacity for the request.
	ErrQuotaExceeded = errors.New("gpu quota exceeded")
	// ErrProviderUnavailable covers transport and server failures talking to
	// the provisioning API.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidSpec means the create request was malformed or referenced an
	// unknown GPU type.
	ErrInvalidSpec = errors.New("invalid instance spec")
	// ErrNotFound means the provider no longer knows the instance id.
	ErrNotFound = errors.New("instance not found")
)

// Provider is the minimal provisioning API the session needs. Create must
// fail fast with ErrCostCeiling when the advertised price for the requested
// GPU exceeds spec.CostCeiling, before any billable request goes out.
type Provider interface {
	Create(ctx context.Context, spec Spec) (*Instance, error)
	Status(ctx context.Context, id string) (*Instance, error)
	Terminate(ctx context.Context, id string) error
	Offers(ctx context.Context) ([]Offer, error)
}

// IsNotFound reports whether err means the provider no longer knows the
// instance. Confirmation logic treats that as proof of termination.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
