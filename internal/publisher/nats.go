// Package publisher bridges simulation output onto NATS subjects so external
// consumers can follow the fleet without holding a WebSocket open.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"fleet-simulator/internal/sim"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "fleet"

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-simulator"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
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
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = DefaultSubjectPrefix
	} else {
		prefix = subjectToken(prefix)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PublishState sends one vehicle state to <prefix>.state.<route>.<vehicle>.
func (p *NATSPublisher) PublishState(st sim.VehicleState) error {
	subject := fmt.Sprintf("%s.state.%s.%s",
		p.prefix, subjectToken(st.RouteID), subjectToken(st.VehicleID))
	return p.publish(subject, st)
}

// PublishEvent sends one event to <prefix>.events.<kind>.<vehicle>.
func (p *NATSPublisher) PublishEvent(ev sim.Event) error {
	subject := fmt.Sprintf("%s.events.%s.%s",
		p.prefix, subjectToken(ev.Kind.String()), subjectToken(ev.VehicleID))
	return p.publish(subject, ev)
}

func (p *NATSPublisher) publish(subject string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s bytes=%d", subject, len(b))
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
		s = "unknown"
	}
	return s
}
