package cloud

import (
	"fmt"
	"sort"
)

// PickOffer chooses the smallest available GPU configuration whose total VRAM
// covers requiredGb, scaling the count through 1, 2 and 4 before moving to
// the next larger card. Very large models fall through to the biggest card
// with however many are needed.
func PickOffer(offers []Offer, requiredGb float64) (Offer, int, error) {
	candidates := make([]Offer, 0, len(offers))
	for _, o := range offers {
		if o.Available && o.VRAMGb > 0 {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return Offer{}, 0, fmt.Errorf("no gpu offers available")
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].VRAMGb != candidates[j].VRAMGb {
			return candidates[i].VRAMGb < candidates[j].VRAMGb
		}
		return candidates[i].HourlyUSD < candidates[j].HourlyUSD
	})

	for _, o := range candidates {
		vram := float64(o.VRAMGb)
		switch {
		case vram >= requiredGb:
			return o, 1, nil
		case vram*2 >= requiredGb:
			return o, 2, nil
		case vram*4 >= requiredGb:
			return o, 4, nil
		}
	}

	largest := candidates[len(candidates)-1]
	count := int(requiredGb/float64(largest.VRAMGb)) + 1
	if count < 1 {
		count = 1
	}
	return largest, count, nil
}

// FindOffer looks up an explicit GPU type in the offer list.
func FindOffer(offers []Offer, gpuType string) (Offer, error) {
	for _, o := range offers {
		if o.GPUType == gpuType {
			return o, nil
		}
	}
	return Offer{}, fmt.Errorf("%w: unknown gpu type %q", ErrInvalidSpec, gpuType)
}
