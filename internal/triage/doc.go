// Package triage turns a patient case into a priority, a specialty and an
// emergency flag. Scoring is deterministic: the only external input is the
// classification Oracle, which the Engine calls under its own timeout and
// whose output is defaulted field by field before it is trusted.
package triage
