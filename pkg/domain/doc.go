// Package domain defines the core types shared by the safeguarded conversation
// pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no HTTP, policy engine, telemetry)
// - Immutable once constructed where they cross component boundaries
// - Testable in isolation without mocks
//
// Other packages (guard, stream, backend, pipeline) implement the interfaces defined
// here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
