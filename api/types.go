package api

// ID identifies a single auction. IDs are opaque to the dispatcher; they
// only need to be comparable and totally ordered so they can key the
// deadline index.
type ID string

func (id ID) String() string { return string(id) }

// Auction is a single bidding opportunity flowing through the router.
// Augmentations is mutated by the dispatcher as augmentor responses are
// merged in; callers must not touch it between Augment and the completion
// callback.
type Auction struct {
	ID            ID
	Request       string
	RequestFormat string
	Augmentations map[string]*AugmentationList
}

// MergeAugmentation merges list into the auction's augmentation map under
// the given augmentor name, creating the slot on first use.
func (a *Auction) MergeAugmentation(augmentor string, list AugmentationList) {
	if a.Augmentations == nil {
		a.Augmentations = make(map[string]*AugmentationList)
	}
	existing, ok := a.Augmentations[augmentor]
	if !ok || existing == nil {
		existing = &AugmentationList{}
		a.Augmentations[augmentor] = existing
	}
	existing.MergeWith(list)
}

// AgentConfig carries the subset of a bidding agent's configuration the
// dispatcher cares about: which augmentors the agent requires.
type AgentConfig struct {
	Augmentors []string
}

// PotentialBidder is one agent that may bid on an auction.
type PotentialBidder struct {
	Agent  string
	Config *AgentConfig
}

// GroupPotentialBidders is one group of potential bidders.
type GroupPotentialBidders []PotentialBidder

// AugmentationInfo is the dispatcher's input: the auction plus the groups
// of bidders whose configurations decide which augmentors to consult.
type AugmentationInfo struct {
	Auction         *Auction
	PotentialGroups []GroupPotentialBidders
}
