// Package docs provides Swagger/OpenAPI documentation for the wskit demo
// server.
package docs

// General API Info
//
//	@title						wskit Demo Server API
//	@version					0.1.0
//	@description				Reference HTTP+WebSocket server demonstrating the wskit message router: a toy ping/echo/subscribe protocol running end to end over wsrouter.Router.
//
//	@contact.name				GitHub Issues
//
//	@license.name				MIT
//
//	@host						localhost:8080
//	@BasePath					/
//	@schemes					http
//
//	@tag.name					Health
//	@tag.description			Liveness check
//	@tag.name					WebSocket
//	@tag.description			Demo ping/echo/subscribe protocol over WebSocket
