package checker

import "endpointwatch/internal/models"

// DetectTransition compares the stored state of an endpoint with a fresh
// classification. It returns the event to raise, if any. A pending endpoint
// that comes up is silent; one that comes up down raises EventDown.
func DetectTransition(prev models.Endpoint, isDown, remindWhileDown bool) (models.EventKind, bool) {
	wasDown := !prev.Pending() && prev.IsDown
	switch {
	case !wasDown && isDown:
		return models.EventDown, true
	case wasDown && !isDown:
		return models.EventRecovered, true
	case wasDown && isDown && remindWhileDown:
		return models.EventStillDown, true
	default:
		return "", false
	}
}
