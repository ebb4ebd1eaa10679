/*
Package types defines the core data structures shared across the job runner.

A Job is one scheduled execution of a project action. A SavedJobRequest is
the original coordinator payload, persisted once and never mutated. A
Manifest is the per-workspace JSON record of which action produced which
file, and of each action's last run.

These types are deliberately plain structs with explicit JSON tags rather
than a dynamic, reflection-driven encoding: every composite field (lists,
maps, enums) has a fixed shape and round-trips through the store and the
on-disk manifest without any per-field codec registration.
*/
package types
