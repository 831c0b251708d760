package armodel

import "goflare.io/armodel/models"

var (
	ErrInvalidArgument    = models.ErrInvalidArgument
	ErrNotFound           = models.ErrNotFound
	ErrStorageUnavailable = models.ErrStorageUnavailable
	ErrUnsupported        = models.ErrUnsupported
	ErrQueueFull          = models.ErrQueueFull
)
