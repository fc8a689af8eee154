// Package model is the vendor neutral boundary between agent flows and
// language model providers.
//
// A Model turns a Request into a stream of Responses; partial responses carry
// streamed text and the last one carries tool calls, finish reason and token
// usage. Definitions name models as "provider/model" references which the
// Registry resolves through registered provider factories, falling back to a
// configured default. The openai and anthropic subpackages adapt the vendor
// SDKs; ScriptedModel replays fixed turns for tests.
package model
