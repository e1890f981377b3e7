package session

import (
	"encoding/json"
	"fmt"

	"github.com/kleeedolinux/livesession/socket"
)

// Kind is a normalized event name, independent of the wire vocabulary.
type Kind string

const (
	KindBookingUpdate  Kind = "bookingUpdate"
	KindTripStarted    Kind = "tripStarted"
	KindTripOngoing    Kind = "tripOngoing"
	KindTripCompleted  Kind = "tripCompleted"
	KindDriverLocation Kind = "driverLocation"
	KindPricingUpdate  Kind = "pricingUpdate"
	KindETAUpdate      Kind = "etaUpdate"
)

// Domain wire events.
const (
	EventBookingUpdate  socket.Event = "booking:update"
	EventTripStarted    socket.Event = "trip:started"
	EventTripOngoing    socket.Event = "trip:ongoing"
	EventTripCompleted  socket.Event = "trip:completed"
	EventDriverLocation socket.Event = "booking:driver_location"
	EventPricingUpdate  socket.Event = "pricing:update"
	EventETAUpdate      socket.Event = "booking:ETA_update"
)

var normalized = map[socket.Event]Kind{
	EventBookingUpdate:  KindBookingUpdate,
	EventTripStarted:    KindTripStarted,
	EventTripOngoing:    KindTripOngoing,
	EventTripCompleted:  KindTripCompleted,
	EventDriverLocation: KindDriverLocation,
	EventPricingUpdate:  KindPricingUpdate,
	EventETAUpdate:      KindETAUpdate,
}

// Normalize maps a wire event to its kind.
func Normalize(wire socket.Event) (Kind, bool) {
	k, ok := normalized[wire]
	return k, ok
}

// DomainEvents lists every wire event that normalizes to a Kind.
func DomainEvents() []socket.Event {
	return []socket.Event{
		EventBookingUpdate,
		EventTripStarted,
		EventTripOngoing,
		EventTripCompleted,
		EventDriverLocation,
		EventPricingUpdate,
		EventETAUpdate,
	}
}

// Event is a normalized inbound event. Payload is passed through untouched.
type Event struct {
	Kind    Kind            `json:"kind"`
	Wire    socket.Event    `json:"wire"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Kind, err)
	}
	return nil
}

type BookingUpdate struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
	DriverID  string `json:"driverId,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// TripEvent is shared by the started, ongoing and completed kinds.
type TripEvent struct {
	BookingID string  `json:"bookingId"`
	DriverID  string  `json:"driverId,omitempty"`
	Status    string  `json:"status"`
	Distance  float64 `json:"distanceKm,omitempty"`
	Fare      float64 `json:"fare,omitempty"`
	At        string  `json:"at,omitempty"`
}

type DriverLocation struct {
	BookingID string   `json:"bookingId"`
	DriverID  string   `json:"driverId,omitempty"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Bearing   *float64 `json:"bearing,omitempty"`
}

type PricingUpdate struct {
	BookingID string  `json:"bookingId"`
	Fare      float64 `json:"fare"`
	Currency  string  `json:"currency,omitempty"`
	Surge     float64 `json:"surge,omitempty"`
}

type ETAUpdate struct {
	BookingID string `json:"bookingId"`
	// ETASeconds until pickup or drop-off, whichever comes next.
	ETASeconds int    `json:"etaSeconds"`
	Phase      string `json:"phase,omitempty"`
}

// ServerError is the payload of booking_error, auth_error and connect_error.
type ServerError struct {
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
	Code    string `json:"code,omitempty"`
}

func decodeServerError(data json.RawMessage) ServerError {
	var e ServerError
	if err := json.Unmarshal(data, &e); err != nil || e.Message == "" {
		var s string
		if json.Unmarshal(data, &s) == nil && s != "" {
			return ServerError{Message: s}
		}
	}
	return e
}
