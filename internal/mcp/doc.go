// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 framing, the transports that carry it, and a [Client]
// exposing the handshake and capability operations Switchboard needs.
//
// Three transports are provided. [StdioTransport] spawns a tool server
// as a subprocess and exchanges newline-delimited JSON over its stdin
// and stdout. [HTTPTransport] posts each request to an attached server.
// [WebSocketTransport] keeps a single socket open to an attached server.
//
// Switchboard only acts as a client. It never serves capabilities.
package mcp
