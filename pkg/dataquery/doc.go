// Package dataquery executes generated SQL against the warehouse and looks up
// call transcripts for citations.
package dataquery
