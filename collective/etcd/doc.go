// Package etcd provides a collective.Communicator backed by an etcd
// cluster, for codec workers spread across processes or machines.
//
// Ranks rendezvous under a shared key prefix. Every collective call claims
// the next round number; each rank writes <prefix>/round/<seq>/<rank> and
// watches until all worldSize keys exist, then reads every payload. A
// barrier exchanges empty payloads, an all-reduce sums float64 payloads in
// rank order, and a broadcast reads the root rank's payload. Rank 0
// garbage-collects round seq-2 on its way out of round seq, which is safe
// because a rank can only enter a round after fully finishing the previous
// one.
//
// # Basic Usage
//
//	comm, err := etcd.New([]string{"localhost:2379"}, rank, worldSize)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer comm.Close()
//
//	codec, err := vqgo.New(cfg, vqgo.WithCommunicator(comm))
//
// Collective calls must be issued in the same order on every rank, and a
// Communicator is not safe for concurrent use. Independent jobs sharing a
// cluster must use distinct prefixes, and a restarted job must not reuse a
// prefix whose keys may still be present.
package etcd
