package service

// Server-to-client event names pushed over registered handles. The
// channel publish events reuse the channel name itself.
const (
	EventDriverToken            = "driverToken"
	EventDriverRejected         = "driverRejected"
	EventRiderRejected          = "riderRejected"
	EventDriverGained           = "driverGained"
	EventDriverReturned         = "driverReturned"
	EventDriverLost             = "driverLost"
	EventUpdateFlags            = "updateFlags"
	EventRiderCount             = "riderCount"
	EventBottle                 = "bottle"
	EventSessionMessages        = "sessionMessages"
	EventSessionMessagesCleared = "sessionMessagesCleared"
)
