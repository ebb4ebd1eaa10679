/*
Package container wraps the docker CLI as the job runner's only container
runtime adapter.

There is no client library here: every operation shells out to the docker
binary via os/exec, exactly the way original_source's docker.py does it,
because spec treats "the container runtime" as an opaque CLI-driven tool
rather than something to integrate against programmatically. Each job's
workspace lives in a named Docker volume; a stopped "manager" container
with that volume mounted is what lets Runner copy files in and out and
glob for matching outputs without the job's own container needing to be
running.
*/
package container
