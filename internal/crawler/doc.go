// Package crawler defines crawl tasks and the state machine that drives one task
// from its seed URLs to a terminal status.
//
// A task fans out into branches: one branch per page fetch (listing and review
// pagination) or per product detail fetch (seeds and their variants). Every
// branch ends Completed or Aborted, and every non-success outcome produces
// exactly one error record.
package crawler
