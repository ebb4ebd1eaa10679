/*
Package finaliser harvests a completed job's container: it matches
declared output globs against the job's volume, classifies any job-level
error, archives logs and metadata under JOB_LOG_DIR, publishes matched
outputs and logs into the high-privacy workspace, prunes outputs from the
action's previous run that no longer exist, mirrors moderately_sensitive
outputs into the medium-privacy workspace when configured, and finally
commits the updated manifest — the one write that must happen last, so a
crash at any earlier point leaves the previous manifest, and therefore
the previous understanding of what this action produced, intact.

The manifest helpers here (ReadManifestFile, WriteManifestFile,
ActionHasSuccessfulOutputs) are also the expander's only window into
"has this action already produced successful output" — the same question
original_source's action_has_successful_outputs answers for the DAG
expansion step, before any container ever runs.
*/
package finaliser
