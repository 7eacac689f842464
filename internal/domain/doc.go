// Package domain models historical weather-observation ingestion from an OGC
// Environmental Data Retrieval (EDR) HTTP endpoint.
//
// # Data Source
//
// The upstream is an EDR "locations" endpoint returning one CoverageJSON
// document per (station, time-range) request. Each document carries a time
// axis ("t") and a ranges map of parameter arrays positionally aligned with
// that axis. A station's full history is fetched one calendar year at a
// time — large enough to be efficient, small enough to stay comfortably
// under the upstream's per-request data-point ceiling.
//
// # Chunking
//
// A Chunk is the unit of ingestion work: one (station, year) pair. Chunks
// for a station are disjoint and cover a contiguous integer-year range.
// They are conceived by the station pipeline, fetched once, and not
// revisited once their Raw Artifact is materialized — historical
// observations do not change after the fact. A forced run, or a ledger
// entry whose artifact has gone missing, fetches the chunk again.
//
// # Schema-on-read
//
// The coverage document's parameter set varies by station and may grow over
// time as the upstream adds instruments. [ParseCoverageDocument] does not
// enforce a closed column set: every entry under "ranges" becomes a column
// on the flattened row, typed by whatever JSON value it held. Absent
// parameters for a given station simply never appear as columns for that
// station's rows.
package domain
