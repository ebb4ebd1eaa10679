/*
Package metrics provides Prometheus metrics and liveness/readiness checks
for the job runner.

Metrics fall into a few categories: job-state gauges (pending/running
counts, broken down by privacy level), run loop timing, container adapter
timing (image pulls, container start), finaliser timing, git fetch timing
and retries, and coordinator sync request counts/duration. Collector polls
the store every 15 seconds to keep the gauges current. The run loop and
sync metrics are updated inline by pkg/runloop and pkg/sync; the container,
finaliser and git metrics are registered but no package updates them.

Metrics are exposed at /metrics via Handler (promhttp). Health and
readiness are separate from Prometheus scraping: HealthHandler and
ReadyHandler serve /health and /ready as plain JSON, intended for a
process supervisor rather than a time-series database. RegisterComponent
and UpdateComponent record a component's health (cmd/jobrunner's run
command registers "store", "container_runtime" and "sync"); GetReadiness
treats "store" and "container_runtime" as critical and reports not_ready
whenever either is unregistered or currently unhealthy.
*/
package metrics
