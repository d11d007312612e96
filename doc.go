// Package augmentd exposes the augmentation dispatcher sitting in the hot
// path of a real-time bidding router. For each auction it works out which
// external enrichment services ("augmentors") must be consulted, fans a
// request out to one instance of each over the augmentor bus, collects the
// responses, merges them into the auction, and fires the completion
// callback exactly once within the caller's deadline.
//
// # Running a dispatcher
//
//	cfg := augmentd.Config{Listen: ":9985"}
//	d, err := augmentd.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Shutdown(context.Background())
//
//	d.Augment(info, time.Now().Add(35*time.Millisecond), func(info *api.AugmentationInfo) {
//	    // info.Auction.Augmentations now holds whatever arrived in time.
//	})
//
// Augmentor workers connect over the bus, announce themselves with a
// CONFIG frame, and answer AUGMENT frames with RESPONSE frames. Workers
// that disappear are dropped from the directory; auctions already in
// flight against them simply run out their deadline.
//
// Lost and late responses are treated as timeouts: the callback always
// fires with the auction in a degraded-but-valid state, never with an
// error.
package augmentd
