/*
Package expander turns a JobRequest into a set of persisted Jobs with
correct dependency edges.

CreateOrUpdateJobs is the single public entry point. It is deliberately
forgiving: any problem with the request itself, the project file, or git
is never allowed to escape as an error that would crash the run loop —
instead it is projected into a single synthetic Failed job, so the
coordinator always has a row to show the user what went wrong. Everything
else (recursively resolving a requested action's dependencies, deduping
against already-scheduled or already-succeeded work, enforcing force-run)
happens inside one store transaction, so a crash partway through expanding
a large request can never leave a half-built DAG on disk.
*/
package expander
