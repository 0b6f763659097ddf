/*
Package bus holds the transport-agnostic contracts shared by the registry, the
adapters and the withdrawal router: the Backend capability set, the delivered
Message envelope, Handler and publishing options.
*/
package bus
