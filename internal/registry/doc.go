// Package registry holds the two pieces of mutable shared state: the live
// connection set and the subscription index.
//
// Both registries use a single coarse RWMutex; contention is low relative to
// socket I/O cost. Per-connection write goroutines (clientWriter) absorb slow
// clients so registry methods never block on the network.
package registry
