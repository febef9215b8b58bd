// Package automation defines the domain model of the product automation
// pipeline: runs, items, stage outcomes, provider errors, and the contracts
// implemented by job stores and provider adapters.
package automation
