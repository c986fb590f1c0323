// Package bridge connects the recording lifecycle to the NATS bus: lifecycle
// events and stored recordings are published, and remote presentation layers
// drive start, stop and force-stop through request/reply subjects.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/lifecycle"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/store"
	"github.com/nats-io/nats.go"
)

// Controller is the lifecycle surface the bridge drives.
type Controller interface {
	Start(ctx context.Context, trigger string) error
	Stop(ctx context.Context, meta store.Metadata) (store.Recording, error)
	ForceStop(reason string)
	State() lifecycle.Snapshot
	Subscribe(buffer int) *lifecycle.Subscription
}

type Service struct {
	bus    *bus.Client
	lc     Controller
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	events *lifecycle.Subscription
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
	mu     sync.Mutex
}

func NewService(parent context.Context, busClient *bus.Client, lc Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		lc:     lc,
		log:    log.With(slog.String("component", "bridge")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlStart:     s.handleStart,
		protocol.SubjectControlStop:      s.handleStop,
		protocol.SubjectControlForceStop: s.handleForceStop,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.events = s.lc.Subscribe(256)
	s.wg.Add(1)
	go s.forward()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	if s.events != nil {
		s.events.Close()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) forward() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.events.C:
			if !ok {
				return
			}
			s.publishEvent(evt)
			if evt.Kind == lifecycle.EventRecordingStop && evt.Recording != nil {
				s.publishStored(*evt.Recording)
			}
		}
	}
}

func (s *Service) publishEvent(evt lifecycle.Event) {
	msg := protocol.LifecycleEvent{
		Kind:      string(evt.Kind),
		AttemptID: evt.AttemptID,
		State:     string(evt.State),
		Previous:  string(evt.Previous),
		Trigger:   evt.Trigger,
		ElapsedMS: evt.Elapsed.Milliseconds(),
		Timestamp: evt.Time.UTC(),
	}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	subject := protocol.SubjectEventPrefix + "." + string(evt.Kind)
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish lifecycle event", slogError(err))
	}
}

// publishStored hands the recording to downstream analysis. Payloads larger
// than the server allows are sent without audio; consumers fetch it over HTTP.
func (s *Service) publishStored(rec store.Recording) {
	msg := protocol.RecordingStored{
		ID:         rec.ID,
		Filename:   rec.Filename,
		Name:       rec.Name,
		Category:   rec.Category,
		DurationMS: rec.DurationMS,
		SampleRate: rec.SampleRate,
		Format:     rec.Format,
		Degraded:   rec.Degraded,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal stored recording", slogError(err))
		return
	}
	if limit := s.bus.Conn().MaxPayload(); limit > 0 && int64(len(data)) > limit {
		s.log.Info("recording exceeds bus payload limit; publishing metadata only",
			slog.Int64("id", rec.ID), slog.Int("bytes", len(data)), slog.Int64("limit", limit))
		msg.Payload = nil
		if data, err = json.Marshal(msg); err != nil {
			s.log.Warn("failed to marshal stored recording", slogError(err))
			return
		}
	}
	if err := s.bus.Conn().Publish(protocol.SubjectRecordingStored, data); err != nil {
		s.log.Warn("failed to publish stored recording", slogError(err))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	req, ok := s.decode(msg)
	if !ok {
		return
	}
	trigger := strings.TrimSpace(req.Trigger)
	if trigger == "" {
		trigger = "bus"
	}
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	err := s.lc.Start(ctx, trigger)
	s.reply(msg, protocol.ControlReply{}, err)
}

func (s *Service) handleStop(msg *nats.Msg) {
	req, ok := s.decode(msg)
	if !ok {
		return
	}
	rec, err := s.lc.Stop(s.ctx, store.Metadata{Name: req.Name, Category: req.Category})
	s.reply(msg, protocol.ControlReply{RecordingID: rec.ID, Filename: rec.Filename}, err)
}

func (s *Service) handleForceStop(msg *nats.Msg) {
	req, ok := s.decode(msg)
	if !ok {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "bus"
	}
	s.lc.ForceStop(reason)
	s.reply(msg, protocol.ControlReply{}, nil)
}

func (s *Service) decode(msg *nats.Msg) (protocol.ControlRequest, bool) {
	var req protocol.ControlRequest
	if len(msg.Data) == 0 {
		return req, true
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode control request", slog.String("subject", msg.Subject), slogError(err))
		s.reply(msg, protocol.ControlReply{}, fmt.Errorf("decode request: %w", err))
		return req, false
	}
	return req, true
}

func (s *Service) reply(msg *nats.Msg, out protocol.ControlReply, err error) {
	if msg.Reply == "" {
		return
	}
	out.OK = err == nil
	if err != nil {
		out.Error = err.Error()
	}
	out.State = string(s.lc.State().State)
	data, mErr := json.Marshal(out)
	if mErr != nil {
		s.log.Warn("failed to marshal control reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.log.Warn("failed to send control reply", slogError(rErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
