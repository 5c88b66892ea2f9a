// Package store declares the task-run repository used to track crawl task
// lifecycles outside the process.
package store
