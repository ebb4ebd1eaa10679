/*
Package config loads the job runner's environment-variable configuration,
exactly the surface spec §6 names: coordinator connection details, poll and
loop intervals, worker capacity, workspace and log directories, the
database file path, and the database-name-to-URL mapping used to inject
credentials into the privileged "generate cohort" action.

There is no configuration file format or flag-parsing library here beyond
the handful of cobra flags cmd/jobrunner exposes for interactive use
(--log-level, --log-json; local-run is a subcommand) — the daemon itself is driven entirely
by environment variables, the way spec's external-interfaces section
describes it.
*/
package config
