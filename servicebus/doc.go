/*
Package servicebus hosts several independently addressable message-bus backends
under logical names. The Registry owns their combined Run/Shutdown lifecycle and
the RouteTable binds inbound topic subscriptions to handlers per backend, in
declaration order, at startup.
*/
package servicebus
