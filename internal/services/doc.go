// Package services builds the idobata service graph from configuration.
//
// Build opens the store and the event bus, creates the LLM, embedding and
// vector clients, and wires the question pipeline, the extraction worker,
// the job dispatcher, chat, auth and, when requested, the realtime hub.
// Binaries take what they need from the returned Registry and Close it on
// exit.
package services
