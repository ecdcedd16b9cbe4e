package model

// Collection names a durable record collection under a storage root.
type Collection string

const (
	CollectionQueue       Collection = "queue"
	CollectionPosts       Collection = "posts"
	CollectionMetrics     Collection = "metrics"
	CollectionRuns        Collection = "runs"
	CollectionAuthEvents  Collection = "authEvents"
	CollectionEligibility Collection = "eligibility"
	CollectionManual      Collection = "manual"
)

// Collections lists every known collection.
var Collections = []Collection{
	CollectionQueue,
	CollectionPosts,
	CollectionMetrics,
	CollectionRuns,
	CollectionAuthEvents,
	CollectionEligibility,
	CollectionManual,
}
