package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"transit-signals/internal/bunching"
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-signals"),
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

type BunchingMessage struct {
	Route      string    `json:"route"`
	VehicleIDA string    `json:"vehicleIdA"`
	VehicleIDB string    `json:"vehicleIdB"`
	LatA       float64   `json:"latA"`
	LonA       float64   `json:"lonA"`
	LatB       float64   `json:"latB"`
	LonB       float64   `json:"lonB"`
	DistanceKM float64   `json:"distanceKm"`
	DetectedAt time.Time `json:"detectedAt"`
}

// PublishBunching publishes one bunching event to bunching.<route>.
func (p *NATSPublisher) PublishBunching(ev bunching.BunchingEvent) error {
	subject := fmt.Sprintf("bunching.%s", subjectToken(ev.Route))
	msg := BunchingMessage{
		Route:      ev.Route,
		VehicleIDA: ev.VehicleIDA,
		VehicleIDB: ev.VehicleIDB,
		LatA:       ev.LatA,
		LonA:       ev.LonA,
		LatB:       ev.LatB,
		LonB:       ev.LonB,
		DistanceKM: ev.DistanceKM,
		DetectedAt: ev.DetectedAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
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
