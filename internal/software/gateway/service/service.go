package service

import (
	"ridelink/internal/general/logger"
	"ridelink/internal/general/rabbitmq"
	"ridelink/internal/ports"
	"ridelink/internal/realtime/broadcast"
)

const producerName = "realtime-gateway"

// gatewayService applies sync operations against the entity store and feeds
// accepted events into the broadcast pipeline.
type gatewayService struct {
	logger  *logger.Logger
	uow     ports.UnitOfWork
	store   ports.EntityStore
	journal ports.EventJournal
	engine  *broadcast.Engine
	events  *rabbitmq.EventPublisher
}

// NewGatewayService creates a new instance of the gateway service with the
// provided dependencies. events may be nil when the broker is disabled.
func NewGatewayService(
	logger *logger.Logger,
	uow ports.UnitOfWork,
	store ports.EntityStore,
	journal ports.EventJournal,
	engine *broadcast.Engine,
	events *rabbitmq.EventPublisher,
) ports.GatewayService {
	return &gatewayService{
		logger:  logger,
		uow:     uow,
		store:   store,
		journal: journal,
		engine:  engine,
		events:  events,
	}
}
