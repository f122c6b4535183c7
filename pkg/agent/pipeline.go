package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshecho/pkg/mesh"
)

// Stage is a step of the reply pipeline.
type Stage int

const (
	StageReceived Stage = iota
	StagePathResolving
	StagePolicyCheck
	StageComposing
	StageSubmitted
	StageDelivered
	StageDeliveryFailed
	StagePathTimeout
	StagePolicyRejected
)

var stageNames = map[Stage]string{
	StageReceived:       "received",
	StagePathResolving:  "path_resolving",
	StagePolicyCheck:    "policy_check",
	StageComposing:      "composing",
	StageSubmitted:      "submitted",
	StageDelivered:      "delivered",
	StageDeliveryFailed: "delivery_failed",
	StagePathTimeout:    "path_timeout",
	StagePolicyRejected: "policy_rejected",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further stage follows s.
func (s Stage) Terminal() bool {
	switch s {
	case StageDelivered, StageDeliveryFailed, StagePathTimeout, StagePolicyRejected:
		return true
	}
	return false
}

// Result describes how one inbound message left the pipeline.
type Result struct {
	Trace  string
	Stage  Stage
	Stages []Stage
	Err    error
	Method mesh.Method
	Reply  *mesh.OutboundMessage
}

type PipelineConfig struct {
	Endpoint  mesh.Endpoint
	Paths     *PathResolver
	Policy    *DeliveryPolicy
	Submitter Submitter
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// Pipeline replies to inbound messages: resolve a path to the sender, apply
// the delivery policy, echo the message back and observe the outcome.
// Handle is safe to call concurrently; runs share no mutable state.
type Pipeline struct {
	endpoint mesh.Endpoint
	paths    *PathResolver
	policy   *DeliveryPolicy
	submit   Submitter
	log      zerolog.Logger
	metrics  *Metrics
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Pipeline{
		endpoint: cfg.Endpoint,
		paths:    cfg.Paths,
		policy:   cfg.Policy,
		submit:   cfg.Submitter,
		log:      cfg.Logger.With().Str("component", "pipeline").Logger(),
		metrics:  cfg.Metrics,
	}
}

// HandleMessage adapts Handle to mesh.InboundHandler.
func (p *Pipeline) HandleMessage(ctx context.Context, msg mesh.InboundMessage) {
	p.Handle(ctx, msg)
}

// Handle runs msg to a terminal stage. Every terminal outcome is logged
// exactly once at info or warn level.
func (p *Pipeline) Handle(ctx context.Context, msg mesh.InboundMessage) Result {
	res := Result{Trace: uuid.NewString()}
	log := p.log.With().Str("trace", res.Trace).Str("source", msg.Source.String()).Logger()
	advance := func(s Stage) {
		res.Stage = s
		res.Stages = append(res.Stages, s)
		log.Debug().Str("stage", s.String()).Msg("pipeline stage")
	}
	finish := func() Result {
		p.metrics.Replies.WithLabelValues(res.Stage.String()).Inc()
		return res
	}

	p.metrics.MessagesReceived.Inc()
	advance(StageReceived)
	log.Debug().Str("title", msg.Title).Str("content", msg.ContentString()).Msg("received message")

	advance(StagePathResolving)
	if _, err := p.paths.Resolve(ctx, msg.Source); err != nil {
		advance(StagePathTimeout)
		res.Err = err
		log.Info().Err(err).Msg("path not found, unable to reply")
		return finish()
	}

	advance(StagePolicyCheck)
	method, err := p.policy.Decide(msg.Source)
	if err != nil {
		advance(StagePolicyRejected)
		res.Err = err
		ev := log.Info().Err(err)
		var rej *Rejection
		if errors.As(err, &rej) {
			ev = ev.Int("stamp_cost", rej.Cost).Int("max_stamp_cost", rej.Max)
		}
		ev.Msg("not replying, stamp cost too high")
		return finish()
	}
	res.Method = method

	advance(StageComposing)
	reply := ComposeReply(msg, p.endpoint, method)
	res.Reply = reply

	log.Debug().Str("method", string(method)).Msg("sending reply")
	delivery, err := p.submit.Submit(ctx, reply)
	advance(StageSubmitted)
	if err != nil {
		advance(StageDeliveryFailed)
		res.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		log.Warn().Err(err).Str("method", string(method)).Msg("failed to send reply")
		return finish()
	}

	outcome, err := delivery.Wait(ctx)
	switch outcome {
	case mesh.OutcomeDelivered:
		advance(StageDelivered)
		log.Info().Str("method", string(delivery.Method)).Msg("reply sent")
	case mesh.OutcomeFailed:
		advance(StageDeliveryFailed)
		res.Err = fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		log.Warn().Err(err).Str("method", string(delivery.Method)).Msg("failed to send reply")
	default:
		// ctx ended before the transport reported back.
		res.Err = err
		log.Warn().Err(err).Msg("reply outcome unknown")
	}
	return finish()
}

// ComposeReply echoes msg back to its sender from ep.
func ComposeReply(msg mesh.InboundMessage, ep mesh.Endpoint, method mesh.Method) *mesh.OutboundMessage {
	var fields map[string]interface{}
	if msg.Fields != nil {
		fields = make(map[string]interface{}, len(msg.Fields))
		for k, v := range msg.Fields {
			// The sender's ticket is theirs; the router attaches ours.
			if k == "ticket" {
				continue
			}
			fields[k] = v
		}
	}
	return &mesh.OutboundMessage{
		Destination: msg.Source,
		Source:      ep,
		Title:       msg.Title,
		Content:     []byte(replyContent(msg)),
		Fields:      fields,
		Method:      method,
	}
}

func replyContent(msg mesh.InboundMessage) string {
	content := "Content: " + msg.ContentString()
	if msg.Signal != nil {
		content += "\n \nWith received RSSI: " + formatMetric(msg.Signal.RSSI) +
			", SNR: " + formatMetric(msg.Signal.SNR)
	}
	return content
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
