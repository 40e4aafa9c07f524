// Package cache provides a byte-budgeted LRU for encoded query results.
//
// Retrieval stores the ranked hit list of a query under the query's
// fingerprint, so later pages of the same search read a stable ranking
// instead of re-running the ANN query. Entries expire after a TTL, which
// bounds how stale a paginated ranking can get.
//
// Memory is charged against a resource.Controller when one is configured;
// a denied charge simply skips caching.
package cache
