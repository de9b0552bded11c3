// Package trigger computes fire times for job triggers.
//
// Cron schedules are parsed with robfig/cron (5 or 6 fields, descriptors such as
// @hourly, '?' in day fields) plus an optional trailing year field. Interval
// schedules fire at StartTime + n*Interval for n <= RepeatCount.
//
// The Engine mutates *job.Trigger values in place and never touches a store;
// callers hold whatever lock protects the trigger.
package trigger
