/*
Package git fetches study repository source at a specific commit, and
resolves a branch name to the commit it currently points at.

Like pkg/container, this is a thin os/exec wrapper around the git CLI
rather than a Go git library — the operations involved (ls-remote, fetch,
show) are a handful of plumbing commands, and shelling out avoids pulling
in a full git implementation for what is fundamentally "run git and parse
its output."

Fetch retries a failed clone/fetch a fixed number of times with a fixed
delay between attempts, the behaviour original_source's job.py used to
ride out transient GitHub flakiness; a "repository not found" error is not
retried, since retrying it can never succeed.
*/
package git
