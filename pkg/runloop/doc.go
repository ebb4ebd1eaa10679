/*
Package runloop drives pending and running jobs to completion.

It ticks on a fixed interval, exactly the way the teacher's scheduler loop
does: list the work in scope, process each item, log and continue past any
single item's error rather than letting it kill the loop. Each tick:

  - Pending jobs with all dependencies completed, and spare worker
    capacity, are started.
  - Pending jobs whose dependencies are still running wait; pending jobs
    with a failed dependency are marked Failed without ever starting a
    container.
  - Running jobs whose container has exited are finalised (outputs
    extracted, manifest updated) and then cleaned up (container and
    volume removed) regardless of whether finalising succeeded.

Status-message updates are throttled the same way the original run loop
throttles them: a message carrying a to-the-minute timestamp is compared
with the stored one ignoring its final character, so it is rewritten when
the text changes or roughly once every ten minutes, and a job stuck waiting
for hours doesn't write a new row every tick.
*/
package runloop
