package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/Klem/donation-tracker/internal/tracker"
)

// NATSSubscriber subscribes to the command subjects and feeds raw commands
// into the ingestion shell. NATS is the machine-to-machine ingestion
// surface; the HTTP API serves interactive clients. Both paths converge on
// the same engine, so idempotency keys dedup across surfaces.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is a command off the wire, not yet validated.
type RawCommand struct {
	Subject   string
	Name      string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command names.
type SubjectConfig struct {
	Subject      string
	CommandName  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard command subject configuration.
// Donate, payout and receipt requests arrive over NATS; administrative
// commands go through the authenticated HTTP API.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "donations.commands.donate", CommandName: "Donate", ConsumerName: "tracker-donate", StreamName: "DONATION_COMMANDS"},
		{Subject: "donations.commands.payout", CommandName: "Payout", ConsumerName: "tracker-payout", StreamName: "DONATION_COMMANDS"},
		{Subject: "donations.commands.receipt-request", CommandName: "RequestReceipt", ConsumerName: "tracker-receipt-request", StreamName: "DONATION_COMMANDS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Name:      cfg.CommandName,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// Stop drains all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, c := range ns.consumers {
		c.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureCommandStream creates the inbound command stream if missing.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DONATION_COMMANDS",
		Subjects:  []string{"donations.commands.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create command stream: %w", err)
	}
	log.Println("INFO: ensured command stream DONATION_COMMANDS")
	return nil
}

// Shell consumes raw commands, parses them, and submits them to the loop.
// Malformed messages are ACKed and dropped: redelivery cannot fix a parse
// error. Rejections from the engine are ACKed too; only infrastructure
// failures NAK for redelivery.
type Shell struct {
	loop        *tracker.Loop
	commandChan <-chan RawCommand
	log         zerolog.Logger
}

func NewShell(loop *tracker.Loop, commandChan <-chan RawCommand, logger zerolog.Logger) *Shell {
	return &Shell{
		loop:        loop,
		commandChan: commandChan,
		log:         logger.With().Str("component", "ingest-shell").Logger(),
	}
}

// Run processes raw commands until ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-s.commandChan:
			if !ok {
				return nil
			}
			s.handle(ctx, raw)
		}
	}
}

func (s *Shell) handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseCommand(raw.Name, raw.Data)
	if err != nil {
		s.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		raw.AckFunc()
		return
	}

	_, err = s.loop.Do(ctx, cmd)
	if err != nil {
		if errors.Is(err, tracker.ErrLoopStopped) || errors.Is(err, context.Canceled) {
			raw.NakFunc()
			return
		}
		// Domain rejection: done with this message, it will never succeed.
		s.log.Debug().Err(err).Str("command", raw.Name).Msg("command rejected")
	}
	raw.AckFunc()
}
