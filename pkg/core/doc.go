// Package core provides the fundamental types and interfaces for the job pipeline.
//
// This package contains:
//   - Job and Schedule data models with GORM annotations
//   - the JobState machine and its terminal states
//   - Storage interface defining the persistence contract
//   - Event types for queue monitoring
//   - Error values shared by the queue, worker and storage packages
//
// Most users should import the root package github.com/jdziat/projectsync
// instead of this package directly.
package core
