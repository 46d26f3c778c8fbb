package fabric

import "errors"

var (
	// Configuration errors.
	ErrInvalidConfig   = errors.New("fabric: invalid configuration")
	ErrUnknownBackend  = errors.New("fabric: unknown backend")
	ErrInvalidStrategy = errors.New("fabric: invalid allocation strategy")

	// Broker errors.
	ErrNoBroker          = errors.New("fabric: no broker configured")
	ErrBrokerClosed      = errors.New("fabric: broker closed")
	ErrExclusiveConsumer = errors.New("fabric: queue already has an exclusive consumer")
	ErrConsumerActive    = errors.New("fabric: consumer already attached")

	// History errors.
	ErrNoHistory       = errors.New("fabric: no history store configured")
	ErrHistoryNotFound = errors.New("fabric: no history for subscription")
	ErrMigrationFailed = errors.New("fabric: migration failed")

	// Not found errors.
	ErrSubscriptionNotFound = errors.New("fabric: subscription not found")
	ErrHandlerNotFound      = errors.New("fabric: handler not found")
	ErrNodeNotFound         = errors.New("fabric: node not found")
	ErrRequestNotFound      = errors.New("fabric: request not found")

	// Definition errors.
	ErrInvalidDefinition  = errors.New("fabric: invalid subscription definition")
	ErrSubscriptionExists = errors.New("fabric: subscription already exists")
	ErrUnknownType        = errors.New("fabric: unknown type tag")

	// Cluster errors.
	ErrNoLiveNodes = errors.New("fabric: no live nodes")
	ErrNotMaster   = errors.New("fabric: not the master")
)
