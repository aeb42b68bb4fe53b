// Package model defines the text-generation backend contract behind the
// pipeline's workers, plus the bridge exposing a Backend as a core.Worker.
//
// Core goals:
//   - Keep request/response shapes minimal and transport independent
//   - Map every provider failure into the core error taxonomy
//   - Facilitate lightweight mocking for tests (MockBackend)
//
// Providers (OpenAI, Anthropic) implement the Backend interface in the
// openai and anthropic subpackages so the pipeline remains decoupled from
// vendor SDKs.
package model
