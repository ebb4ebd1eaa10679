/*
Package log provides structured logging for the job runner using zerolog.

A single global Logger is configured once via Init at process startup.
Every subsystem gets its own child logger via WithComponent. WithJob
builds a logger tagged with a job's id, workspace and action so a job's
lifecycle can be grepped out of the combined log stream; no package in
this repository calls it yet.
*/
package log
