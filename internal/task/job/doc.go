// Package job holds the scheduler's data model: job and trigger definitions,
// their identities, fire records and the job-kind registry.
//
// Values in this package are plain data. The store hands out deep copies,
// so callers may read or mutate what they receive without synchronization.
package job
