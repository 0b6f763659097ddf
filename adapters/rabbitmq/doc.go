/*
Package rabbitmq provides a RabbitMQ backend for the banker buses.
Topics map to routing keys on a durable topic exchange; each subscribed topic
is consumed from its own durable queue. The connected constructor keeps one
auto-reconnecting session. Headers, trace context included, are carried as
given in PublishOptions.
*/
package rabbitmq
