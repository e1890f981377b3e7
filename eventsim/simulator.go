package eventsim

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/session"
)

const (
	// Trip origin, central Addis Ababa.
	originLat = 9.03
	originLng = 38.74

	tripSteps   = 12
	stepDegrees = 0.0015
	baseFare    = 85.0
	farePerStep = 12.5
	secsPerStep = 45
)

type phase int

const (
	phaseAssigned phase = iota
	phaseOnTrip
	phaseDone
)

type trip struct {
	bookingID string
	driverID  string
	phase     phase
	step      int
	lat, lng  float64
}

// Simulator walks every booking through started, ongoing and completed, moving its driver and
// recalculating ETA and fare along the way. Finished trips start over.
type Simulator struct {
	svc   *Service
	tick  time.Duration
	trips []*trip
	log   zerolog.Logger
}

func NewSimulator(svc *Service, tick time.Duration) *Simulator {
	sim := &Simulator{svc: svc, tick: tick, log: debug.Logger("eventsim.sim")}
	for i, id := range svc.Bookings() {
		sim.trips = append(sim.trips, &trip{
			bookingID: id,
			driverID:  fmt.Sprintf("D%d", i+1),
			lat:       originLat,
			lng:       originLng,
		})
	}
	return sim
}

// Run steps on every tick until ctx is done.
func (sim *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(sim.tick)
	defer ticker.Stop()

	sim.log.Info().Int("trips", len(sim.trips)).Dur("tick", sim.tick).Msg("simulator running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sim.Step()
		}
	}
}

// Step advances every trip by one tick.
func (sim *Simulator) Step() {
	for _, t := range sim.trips {
		sim.advance(t)
	}
}

func (sim *Simulator) advance(t *trip) {
	svc := sim.svc
	switch t.phase {
	case phaseAssigned:
		svc.PublishBookingUpdate(session.BookingUpdate{
			BookingID: t.bookingID,
			Status:    "accepted",
			DriverID:  t.driverID,
			UpdatedAt: now(),
		})
		svc.PublishPricing(session.PricingUpdate{BookingID: t.bookingID, Fare: baseFare, Currency: "ETB"})
		svc.PublishTrip(session.EventTripStarted, sim.tripEvent(t, "started"))
		t.phase = phaseOnTrip

	case phaseOnTrip:
		t.step++
		t.lat += stepDegrees
		t.lng += stepDegrees / 2
		bearing := math.Atan2(0.5, 1) * 180 / math.Pi
		svc.PublishDriverLocation(session.DriverLocation{
			BookingID: t.bookingID,
			DriverID:  t.driverID,
			Latitude:  round(t.lat),
			Longitude: round(t.lng),
			Bearing:   &bearing,
		})
		svc.PublishETA(session.ETAUpdate{
			BookingID:  t.bookingID,
			ETASeconds: (tripSteps - t.step) * secsPerStep,
			Phase:      "dropoff",
		})
		if t.step%3 == 0 {
			svc.PublishPricing(session.PricingUpdate{BookingID: t.bookingID, Fare: fare(t.step), Currency: "ETB"})
			svc.PublishTrip(session.EventTripOngoing, sim.tripEvent(t, "ongoing"))
		}
		if t.step >= tripSteps {
			svc.PublishTrip(session.EventTripCompleted, sim.tripEvent(t, "completed"))
			svc.PublishBookingUpdate(session.BookingUpdate{
				BookingID: t.bookingID,
				Status:    "completed",
				DriverID:  t.driverID,
				UpdatedAt: now(),
			})
			t.phase = phaseDone
		}

	case phaseDone:
		sim.log.Debug().Str("booking", t.bookingID).Msg("trip finished; restarting")
		t.phase, t.step = phaseAssigned, 0
		t.lat, t.lng = originLat, originLng
	}
}

func (sim *Simulator) tripEvent(t *trip, status string) session.TripEvent {
	return session.TripEvent{
		BookingID: t.bookingID,
		DriverID:  t.driverID,
		Status:    status,
		Distance:  round(float64(t.step) * stepDegrees * 111),
		Fare:      fare(t.step),
		At:        now(),
	}
}

func fare(step int) float64 {
	return baseFare + float64(step)*farePerStep
}

func round(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
