// Package pagination drives a catalogue search through its result pages.
//
// Pages are requested strictly in order, one at a time, starting at page 1.
// The run stops at the first page that returns no features, or after
// Config.MaxPages pages. The catalogue's advertised total is logged but
// never used to stop, since it is not reliable.
//
// Every feature is passed to the catalogue extractor and its (URL, title)
// reference is added to one result list. Exact duplicates across pages are
// collapsed; their count is reported in a single warning at the end.
//
// Usage:
//
//	exec := pagination.NewExecutor(catalogueClient, pagination.DefaultConfig(), logger)
//	path, summary, err := exec.Execute(ctx, q, outputDir)
package pagination
