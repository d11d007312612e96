package augment

import (
	"time"

	"pkt.systems/augmentd/api"
	"pkt.systems/augmentd/internal/compactseq"
)

// OnFinished is the per-auction completion callback. It is invoked exactly
// once, with whatever augmentations were merged by then, and never while a
// dispatcher lock is held. It may call back into the dispatcher.
type OnFinished func(*api.AugmentationInfo)

// Entry is the dispatcher's per-auction bookkeeping record. It is created
// by Augment, owned by the loop goroutine once drained from the inbox, and
// unreachable after the callback fires or the deadline passes.
type Entry struct {
	Info        *api.AugmentationInfo
	Outstanding map[string]struct{}
	Timeout     time.Time
	OnFinished  OnFinished

	// names holds the dispatch set in sorted order so fan-out iterates
	// deterministically; Outstanding tracks membership as responses land.
	names compactseq.Seq[string]
}

func collectAgents(info *api.AugmentationInfo) []string {
	var agents compactseq.Seq[string]
	for _, group := range info.PotentialGroups {
		for _, bidder := range group {
			seen := false
			for _, a := range agents.Values() {
				if a == bidder.Agent {
					seen = true
					break
				}
			}
			if !seen {
				agents.PushBack(bidder.Agent)
			}
		}
	}
	out := make([]string, agents.Len())
	copy(out, agents.Values())
	return out
}
