/*
Package store is the durable job and request table.

It is a thin persistence layer over go.etcd.io/bbolt: one bucket per table
(jobs, job_requests), JSON-encoded records keyed by id. bbolt itself
enforces the single-writer contract spec §4.1 requires — only one
read-write transaction is ever in flight, and a panic or process kill
mid-transaction leaves the bucket exactly as it was before the transaction
began. The expander relies on this to make "insert a SavedJobRequest, then
insert N jobs" atomic: it all happens inside one call to Transaction.

Filtering has no query language to lean on, so FindJobs/ExistsJob/CountJobs
scan the jobs bucket and apply a JobFilter in Go, mirroring the teacher's
own "decode every value, collect a slice" pattern in pkg/storage/boltdb.go.
*/
package store
