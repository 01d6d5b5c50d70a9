// Package rpc implements the websocket protocol spoken by iqkmsd and its
// clients.
//
// # Messages
//
// Every message wraps a Payload encoded as a compact JSON array:
//
//	{"req": [42, "sign_eip155", {"address": "0x..", "digest": "0x..", "chain_id": 1}, 1700000000000]}
//	{"res": [42, "sign_eip155", {"r": "0x..", "s": "0x..", "v": "0x25"}, 1700000000001]}
//
// The response echoes the request id and method. Failures use the method
// "error" and carry a gRPC status code name:
//
//	{"res": [42, "error", {"error": "malformed address", "code": "InvalidArgument"}, 1700000000001]}
//
// # Server
//
// WebsocketNode is an http.Handler. An optional AuthenticateFunc runs on the
// upgrade request; the returned user id is attached to every request of the
// connection. Handlers form chains of global middleware, group middleware and
// the method handler:
//
//	node.Use(recoverMiddleware)
//	sign := node.NewGroup("sign")
//	sign.Use(auditMiddleware)
//	sign.Handle(rpc.SignDigestMethod.String(), handleSignDigest)
//
// A handler answers with Context.Succeed or Context.Fail. Only an Error is
// shown to the client; anything else becomes an Internal error with the
// handler's fallback message.
//
// # Client
//
// WebsocketDialer manages one connection with keep-alive pings. Client wraps
// it with typed methods, and RemoteSigner binds a Client to one address and
// chain id.
package rpc
