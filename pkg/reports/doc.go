// Package reports archives finished run reports as JSON objects in S3,
// keyed by run date and run id.
package reports
