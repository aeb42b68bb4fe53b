// Package pipeline drives a single chapter through the generation state
// machine: planning, world and character enrichment, scene composition,
// assembly, a bounded review/revision loop, and finalization into a chapter
// store. All external work goes through stage calls on the bus; the
// orchestrator owns the chapter's working state exclusively and converts
// every collaborator failure into recorded stage issues or a terminal
// chapter status.
package pipeline
