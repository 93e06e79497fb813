// Package protocol implements the provider wire format.
//
// It contains:
//   - Frame codec: "~m~<len>~m~<payload>" encoding and a streaming decoder
//   - Message decoder: payload classification into typed Events
//   - Command builders for the outbound session and subscription methods
package protocol
