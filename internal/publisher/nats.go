package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"bus-tracker/internal/transit"
)

const subjectPrefix = "vehicles"

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is the JSON body of every vehicle update.
type PositionMessage struct {
	VehicleID     string    `json:"vehicleId"`
	Operator      string    `json:"operator"`
	RouteNumber   int       `json:"routeNumber"`
	Timestamp     time.Time `json:"timestamp"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	SpeedKmh      float64   `json:"speedKmh"`
	LastStopIndex int       `json:"lastStopIndex"`
	Direction     string    `json:"direction"`
	State         string    `json:"state"`
	NextStop      string    `json:"nextStop"`
	Source        string    `json:"source"`
}

func NewPositionMessage(v transit.VehiclePosition) PositionMessage {
	return PositionMessage{
		VehicleID:     v.VehicleID,
		Operator:      v.Operator,
		RouteNumber:   v.RouteNumber,
		Timestamp:     v.UpdatedAt,
		Lat:           v.Lat,
		Lon:           v.Lon,
		SpeedKmh:      v.SpeedKmh,
		LastStopIndex: v.LastStopIndex,
		Direction:     string(v.Direction),
		State:         string(v.State),
		NextStop:      v.NextStopName,
		Source:        string(v.Source),
	}
}

// Subject is vehicles.<operator>.<route>.<vehicle>.
func Subject(v transit.VehiclePosition) string {
	return fmt.Sprintf("%s.%s.%d.%s", subjectPrefix, subjectToken(v.Operator), v.RouteNumber, subjectToken(v.VehicleID))
}

func (p *NATSPublisher) PublishPosition(v transit.VehiclePosition) error {
	subject := Subject(v)
	b, err := json.Marshal(NewPositionMessage(v))
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
