// Package transport carries calls between the client runtime and the host
// over WebSocket.
//
// Every text frame from the client is a JSON dispatch.Call. The server
// passes it to the host and answers with a Response carrying the same id.
// Requests on one connection are processed concurrently, so responses may
// arrive in any order; clients match them by id.
//
//	{"id":"7","kind":"call","function":"open","args":[1],"thread":42}
//	{"id":"7","result":{"scope":"...","values":[1],"owned":[1]}}
//	{"id":"8","error":{"phase":"dispatch","kind":"trap","message":"..."}}
package transport
