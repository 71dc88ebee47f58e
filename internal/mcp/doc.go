// Package mcp serves the github-contribution MCP server. Its tools commit
// Markdown policy documents to a branch of the target repository and keep
// the matching draft pull request up to date. Content is checked for
// credentials before anything is committed.
package mcp
