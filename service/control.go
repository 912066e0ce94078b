package service

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Verb identifies a $SRV discovery control-subject operation.
type Verb int

const (
	PingVerb Verb = iota
	InfoVerb
	StatsVerb
)

func (v Verb) String() string {
	switch v {
	case PingVerb:
		return "PING"
	case InfoVerb:
		return "INFO"
	case StatsVerb:
		return "STATS"
	default:
		return ""
	}
}

// ControlSubject builds a $SRV discovery subject: "$SRV.<VERB>[.<name>[.<id>]]".
// An id without a name is invalid.
func ControlSubject(verb Verb, name, id string) (string, error) {
	if verb != PingVerb && verb != InfoVerb && verb != StatsVerb {
		return "", ErrVerbNotSupported
	}
	if name == "" && id != "" {
		return "", ErrArgRequired
	}
	subject := "$SRV." + verb.String()
	if name != "" {
		subject += "." + name
	}
	if id != "" {
		subject += "." + id
	}
	return subject, nil
}

// Response type identifiers carried in every $SRV discovery payload.
const (
	PingResponseType  = "io.nats.micro.v1.ping_response"
	InfoResponseType  = "io.nats.micro.v1.info_response"
	StatsResponseType = "io.nats.micro.v1.stats_response"
)

// ServiceIdentity is embedded in every discovery response.
type ServiceIdentity struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Ping is the $SRV.PING response payload.
type Ping struct {
	ServiceIdentity
	Type string `json:"type"`
}

// EndpointInfo describes one endpoint in an Info response.
type EndpointInfo struct {
	Name       string            `json:"name"`
	Subject    string            `json:"subject"`
	QueueGroup string            `json:"queue_group,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Info is the $SRV.INFO response payload.
type Info struct {
	ServiceIdentity
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Endpoints   []EndpointInfo    `json:"endpoints,omitempty"`
}

// EndpointStats carries one endpoint's request/error counters in a Stats
// response.
type EndpointStats struct {
	Name                  string        `json:"name"`
	Subject               string        `json:"subject"`
	QueueGroup            string        `json:"queue_group,omitempty"`
	NumRequests           int64         `json:"num_requests"`
	NumErrors             int64         `json:"num_errors"`
	LastError             string        `json:"last_error,omitempty"`
	ProcessingTime        time.Duration `json:"processing_time"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// Stats is the $SRV.STATS response payload.
type Stats struct {
	ServiceIdentity
	Type      string          `json:"type"`
	Started   time.Time       `json:"started"`
	Endpoints []EndpointStats `json:"endpoints,omitempty"`
}

// startControlSubjects subscribes the three ALL/name/name.id forms of each
// of PING, INFO and STATS, per the $SRV grammar.
func (s *service) startControlSubjects() error {
	type reg struct {
		verb Verb
		fn   func(*nats.Msg)
	}
	regs := []reg{
		{PingVerb, s.handlePing},
		{InfoVerb, s.handleInfo},
		{StatsVerb, s.handleStats},
	}
	for _, r := range regs {
		subjects := []struct{ name, id string }{
			{"", ""},
			{s.cfg.Name, ""},
			{s.cfg.Name, s.id},
		}
		for _, sj := range subjects {
			subject, err := ControlSubject(r.verb, sj.name, sj.id)
			if err != nil {
				return err
			}
			sub, err := s.nc.Subscribe(subject, r.fn)
			if err != nil {
				s.Stop()
				return err
			}
			s.ctrlSubs = append(s.ctrlSubs, sub)
		}
	}
	return nil
}

func (s *service) handlePing(msg *nats.Msg) {
	p := Ping{ServiceIdentity: s.identity(), Type: PingResponseType}
	s.respondJSON(msg, p)
}

func (s *service) handleInfo(msg *nats.Msg) {
	s.respondJSON(msg, s.Info())
}

func (s *service) handleStats(msg *nats.Msg) {
	s.respondJSON(msg, s.Stats())
}

func (s *service) respondJSON(msg *nats.Msg, v interface{}) {
	if msg.Reply == "" {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.nc.Publish(msg.Reply, b)
}
