package runpod

import "github.com/antonkrylov/podchat/internal/cloud"

// Static on-demand price table, USD per hour per card. Prices drift; the
// table is an estimate for ceiling checks and cost display, not a quote.
var catalog = []cloud.Offer{
	{GPUType: "NVIDIA RTX A4000", VRAMGb: 16, HourlyUSD: 0.34},
	{GPUType: "NVIDIA RTX A5000", VRAMGb: 24, HourlyUSD: 0.44},
	{GPUType: "NVIDIA A40", VRAMGb: 48, HourlyUSD: 0.79},
	{GPUType: "NVIDIA RTX A6000", VRAMGb: 48, HourlyUSD: 0.79},
	{GPUType: "NVIDIA A100", VRAMGb: 80, HourlyUSD: 1.89},
	{GPUType: "NVIDIA A100 80GB", VRAMGb: 80, HourlyUSD: 2.19},
}

// defaultHourlyUSD covers GPU types missing from the table so cost estimates
// stay conservative rather than zero.
const defaultHourlyUSD = 1.0

// gpuTypeIDs maps catalog names to the ids the deploy mutation expects.
var gpuTypeIDs = map[string]string{
	"NVIDIA A100":      "NVIDIA A100 80GB PCIe",
	"NVIDIA A100 80GB": "NVIDIA A100 80GB PCIe",
}

// StaticOffers returns the built-in catalog marked available. Useful when the
// live listing is unreachable.
func StaticOffers() []cloud.Offer {
	out := make([]cloud.Offer, len(catalog))
	copy(out, catalog)
	for i := range out {
		out[i].Available = true
	}
	return out
}

// PriceFor returns the per-card hourly price for a GPU type.
func PriceFor(gpuType string) float64 {
	for _, o := range catalog {
		if o.GPUType == gpuType {
			return o.HourlyUSD
		}
	}
	return defaultHourlyUSD
}

// ResolveGPUTypeID converts a catalog name into the provider's gpuTypeId.
// Unmapped names pass through unchanged: RunPod ids are display names for
// most cards.
func ResolveGPUTypeID(gpuType string) string {
	if id, ok := gpuTypeIDs[gpuType]; ok {
		return id
	}
	return gpuType
}
