/*
Package health provides small, composable probes for the external
processes the job runner depends on but doesn't control: the docker
daemon, the git binary, and the coordinator's HTTP endpoint.

Checker is deliberately minimal — Check(ctx) Result, Type() CheckType —
so a probe can be swapped for a fake in tests without dragging in exec or
net/http. Two implementations are provided:

  - ExecChecker runs a host command (["docker", "info"], ["git",
    "--version"]) and considers a zero exit code healthy.
  - HTTPChecker requests a URL (the coordinator's JOB_SERVER_ENDPOINT)
    and considers a status code in [ExpectedStatusMin, ExpectedStatusMax]
    healthy.

Status accumulates consecutive results against Config.Retries before
flipping Healthy, so a single transient failure doesn't flap the
component's reported state. metrics.HealthChecker applies no such
debounce; it records whatever it is last told. pkg/metrics/health.go is
where these results feed: cmd/jobrunner's run command feeds an
ExecChecker against docker into the "container_runtime" component.
HTTPChecker is not wired to any component.
*/
package health
