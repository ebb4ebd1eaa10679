/*
Package sync polls the coordinator for active job requests and reports
back the state of every job those requests produced.

Sync is a thin translation layer over net/http — no third-party HTTP
client library appears anywhere in the retrieval pack, so this follows
the teacher's own use of net/http directly (its metrics and health
endpoints are plain net/http too) rather than introducing one. Basic
Auth is set per request, matching original_source's requests.Session
with session.auth assigned before every call, done that way there so
tests can swap credentials without re-importing the module.

A single Tick call: GETs job-requests?active=true&backend=<backend>,
feeds each one through an Expander, then POSTs back the trimmed
projection of every Job belonging to one of those requests. A 400
response is logged and treated as non-fatal — the coordinator uses it to
reject a malformed payload without taking the whole poll loop down —
while any other non-2xx status is a hard error for that tick.
*/
package sync
