package api

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Augmentation is one augmentor's verdict for a set of accounts: a list of
// tags plus an opaque data document the bidding agents interpret.
type Augmentation struct {
	Tags []string        `json:"tags,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MergeWith folds other into a. Tags are unioned and kept sorted; a
// non-empty Data on other replaces a's. Merging an augmentation with an
// identical copy of itself leaves it unchanged.
func (a *Augmentation) MergeWith(other Augmentation) {
	for _, tag := range other.Tags {
		if !slices.Contains(a.Tags, tag) {
			a.Tags = append(a.Tags, tag)
		}
	}
	sort.Strings(a.Tags)
	if len(other.Data) > 0 && string(other.Data) != "null" {
		a.Data = other.Data
	}
}

// AugmentationList maps an account path to the augmentation that applies to
// it. The empty key holds the auction-wide augmentation.
type AugmentationList map[string]Augmentation

// MergeWith merges every account entry of other into l. The operation is
// commutative on tag sets and idempotent on identical inputs.
func (l *AugmentationList) MergeWith(other AugmentationList) {
	if *l == nil {
		*l = make(AugmentationList, len(other))
	}
	for account, aug := range other {
		merged := (*l)[account]
		merged.MergeWith(aug)
		(*l)[account] = merged
	}
}

// ParseAugmentationList decodes an augmentor response payload. Payloads are
// either a bare augmentation object, applied auction-wide, or a map from
// account path to augmentation.
func ParseAugmentationList(payload []byte) (AugmentationList, error) {
	var list AugmentationList
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var single Augmentation
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("augmentation payload: %w", err)
	}
	return AugmentationList{"": single}, nil
}
