// Package selection chooses which catalog entries a run downloads.
//
// Every candidate gets a weight from its show history:
//
//	base   = max(1, maxShowCount - timesShown)
//	weight = 2*base if the item was not shown in the current period, else base
//
// Entries are then drawn one at a time with probability proportional to weight,
// without replacement, until the target count is reached or the catalog is
// exhausted. Frequently shown items keep a floor weight of 1, so nothing ever
// disappears from rotation.
//
// Selection is pure: it reads records and a caller-provided random source and
// mutates nothing. Crediting selected items is the orchestrator's job.
package selection
