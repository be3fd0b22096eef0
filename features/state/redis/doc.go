// Package redis provides the Redis-backed hot state store for live pipeline
// contexts and active-failure records. Contexts are JSON values under
// "pipeline:state:{projectID}" created with SET NX for atomic create-if-absent
// semantics; failure records pair "pipeline:failure:{failureID}" with a
// per-project index key. All keys carry an advisory TTL refreshed on write.
package redis
