// Package core provides the foundational domain types, interfaces and error
// taxonomy used by StoryMesh. It defines the core abstractions for:
//
//   - Messages (immutable communication records with correlation support)
//   - Workers (opaque asynchronous content-generation collaborators)
//   - Chapter state (exclusively owned pipeline working state + immutable snapshots)
//   - Stage results and review findings (structured stage outcomes)
//   - Pluggable contracts for persistence and rate limiting
//
// The package intentionally keeps implementation concerns (bus dispatch,
// orchestration, concrete workers, stores) out of scope, exposing small
// interfaces to enable custom backends and extensions.
package core
