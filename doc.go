package eio

/**
EIO provides persistent client-server connections by starting every
client on a base-level connection method (XHR long polling) and
allowing the client to "upgrade" the connection in place.

Compatible with engine.io, an initial client/server connection looks
like this.

+ Client makes a GET request with the specified transport being the only
GET parameter.
+ Server creates a new session over the transport specified in the
initial request and returns the pertinent info to the client such as
the session ID which is then used for subsequent requests on the
connection.
+ If the connection can be upgraded, the client concurrently makes an
attempt to connect using one of the upgraded transports (WebSockets).
+ If that upgrade process is successful, the server finishes sending
any messages on the low-grade method and begins to send over the
upgraded protocol.

A session keeps its identity across the switch: the server tracks every
live session in a registry keyed by session ID, and both the polling
and WebSocket entry points resolve inbound traffic through it.
*/
