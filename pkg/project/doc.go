/*
Package project parses and validates a repository's project.yaml and
answers the handful of questions the expander and finaliser need about it:
an action's run command, its dependencies, its declared outputs, whether
its run command is the privileged "generate cohort" step, and the flat
list of every output glob across the whole project (used to populate a
local-run volume without also copying a workspace's own prior outputs
back in as if they were source).

Validation produces a single ValidationError kind, exactly as
get_action_specification's error handling does in the source this is
grounded on — the expander turns any ValidationError into a failed
synthetic job rather than letting it escape as a panic or crash the run
loop.
*/
package project
