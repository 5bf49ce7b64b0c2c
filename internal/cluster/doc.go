// Package cluster defines what every Ridge process needs to participate in
// the cluster: the membership types (NodeInfo and the register/broadcast
// request bodies), the JSON wire messages for the shard transaction and
// streaming-read protocols, and the small PostJSON/GetJSON helpers all
// inter-process calls go through.
//
// Ridge runs a hub-and-spoke topology: one coordinator process owns
// placement and query planning; storage-node processes own data. Nodes
// register with the coordinator at startup, the coordinator probes their
// /health endpoints, and all traffic between processes is plain HTTP
// carrying the JSON bodies defined here. Keeping every wire type in one
// leaf package means a node and the coordinator can never disagree about a
// field name, and neither internal/dqe nor internal/sri needs to import
// the other's process-level code to talk to it.
//
// The wire types intentionally carry no behavior. Encoding rules that need
// logic (cell encoding for read results, status classification) live with
// the subsystems that own them; this package is the contract, not the
// implementation.
package cluster
