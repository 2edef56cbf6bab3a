// Package schedule parses and evaluates the recurring triggers persisted in
// the schedules table.
//
// Expressions are standard five-field cron strings or robfig/cron
// descriptors ("@daily", "@every 10m"). Every and Daily build the same
// expressions programmatically.
package schedule
