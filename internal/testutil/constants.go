// Package testutil provides common constants, fixtures and mocks for tests
package testutil

import "time"

const (
	// TestTimeout is the default timeout for test operations
	TestTimeout = 30 * time.Second

	// ShortTestTimeout is a shorter timeout for quick operations
	ShortTestTimeout = 5 * time.Second

	// TestDimensions is the embedding size used by test providers
	TestDimensions = 256

	// TestTopK is the retrieval bound used by pipeline tests
	TestTopK = 5

	// TestCollection is the vector collection used by tests
	TestCollection = "test_tables"
)
