package validation

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/internal/platform/schemabundle"
	"github.com/ehr/hl7hub/internal/platform/structure"
	"github.com/ehr/hl7hub/internal/platform/transcode"
	"github.com/ehr/hl7hub/internal/platform/xsdvalidate"
)

// SupportedVersions lists the HL7 versions accepted by the standards path.
var SupportedVersions = []string{"2.4", "2.5", "2.5.1", "2.6"}

// bundleSet is the cached pipeline over one schema root: flows for the
// flow bundles, one directory per version for the standard bundles.
type bundleSet struct {
	index      *structure.FlowIndex
	transcoder *transcode.Transcoder
	validator  *xsdvalidate.Validator
}

func newBundleSet(fsys fs.FS, logger zerolog.Logger) *bundleSet {
	return &bundleSet{
		index:      structure.NewFlowIndex(fsys, logger),
		transcoder: transcode.New(schemabundle.NewLoader(fsys, logger)),
		validator:  xsdvalidate.New(fsys, logger),
	}
}

// Config wires a Service.
type Config struct {
	// Flows holds one directory per flow.
	Flows fs.FS
	// Standards holds one directory per HL7 version; nil disables the
	// standards path.
	Standards fs.FS
	// Fallbacks maps message type and trigger onto structure ids; nil
	// means structure.DefaultFallbacks.
	Fallbacks structure.FallbackTable
	// Synthesize lists flows whose messages get required EVN and PV1
	// segments inserted when absent.
	Synthesize map[string]bool
	// Observer, when set, is told the outcome and duration of every run.
	Observer Observer
	// Publisher, when set, receives every processed record.
	Publisher Publisher
}

// Observer receives pipeline outcomes. outcome is "valid", "converted" or
// an error Kind.
type Observer interface {
	ObserveValidation(flow, outcome string, d time.Duration)
}

// Publisher fans processed records out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, payload interface{}) error
}

// Service runs the parse, resolve, transcode and validate pipeline. All
// schema state is cached and shared, so one Service serves any number of
// concurrent callers.
type Service struct {
	logger     zerolog.Logger
	resolver   *structure.Resolver
	flows      *bundleSet
	standards  *bundleSet
	synthesize map[string]bool
	repo       ResultRepository
	observer   Observer
	publisher  Publisher
}

// NewService creates a Service. repo may be nil, in which case results are
// not stored and result queries fail with ErrPersistenceDisabled.
func NewService(cfg Config, repo ResultRepository, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "validation").Logger()
	s := &Service{
		logger:     logger,
		resolver:   structure.NewResolver(cfg.Fallbacks),
		flows:      newBundleSet(cfg.Flows, logger),
		synthesize: cfg.Synthesize,
		repo:       repo,
		observer:   cfg.Observer,
		publisher:  cfg.Publisher,
	}
	if cfg.Standards != nil {
		s.standards = newBundleSet(cfg.Standards, logger)
	}
	return s
}

// Parse decodes the MSH-18 character set and tokenizes raw.
func (s *Service) Parse(raw []byte) (*hl7v2.Message, error) {
	return s.parse("", raw)
}

func (s *Service) parse(flow string, raw []byte) (*hl7v2.Message, error) {
	start := time.Now()
	decoded, _, err := hl7v2.DecodeCharset(raw)
	if err == nil {
		var msg *hl7v2.Message
		if msg, err = hl7v2.Parse(decoded); err == nil {
			return msg, nil
		}
	}
	err = &Error{Kind: KindParse, Flow: flow, Err: err}
	s.observe(flow, start, "", err)
	return nil, err
}

// run is the single pipeline behind every entry point. The returned result
// always carries the resolution, and the XML once transcoding succeeded;
// err is classified.
func (s *Service) run(set *bundleSet, flow string, msg *hl7v2.Message, synthesize, validate bool) (*ValidationResult, error) {
	start := time.Now()
	out, err := s.pipeline(set, flow, msg, synthesize, validate)
	outcome := "converted"
	if validate {
		outcome = "valid"
	}
	s.observe(flow, start, outcome, err)
	return out, err
}

func (s *Service) observe(flow string, start time.Time, outcome string, err error) {
	if s.observer == nil {
		return
	}
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.observer.ObserveValidation(flow, outcome, time.Since(start))
}

func (s *Service) pipeline(set *bundleSet, flow string, msg *hl7v2.Message, synthesize, validate bool) (*ValidationResult, error) {
	res, err := s.resolver.Resolve(msg)
	out := &ValidationResult{
		StructureID:      res.StructureID,
		MessageType:      res.MessageType,
		TriggerEvent:     res.TriggerEvent,
		MessageControlID: res.ControlID,
	}
	if err != nil {
		return out, classify(flow, err)
	}

	schemaPath, err := set.index.SchemaPathFor(flow, res.StructureID)
	if err != nil {
		return out, classify(flow, err)
	}

	doc, err := set.transcoder.Transcode(msg, schemaPath, res.Override, transcode.Options{SynthesizeRequired: synthesize})
	if err != nil {
		return out, classify(flow, err)
	}
	out.XML = doc

	if !validate {
		return out, nil
	}
	if err := set.validator.Validate(doc, schemaPath); err != nil {
		err = classify(flow, err)
		out.ErrorMessage = err.Error()
		out.Diagnostics = diagnosticsOf(err)
		s.logOutcome(flow, out, err)
		return out, err
	}
	out.IsValid = true
	s.logOutcome(flow, out, nil)
	return out, nil
}

func (s *Service) logOutcome(flow string, res *ValidationResult, err error) {
	evt := s.logger.Info()
	if err != nil {
		evt = evt.Str("error", err.Error())
	}
	evt.Str("flow", flow).
		Str("structure_id", res.StructureID).
		Str("control_id", res.MessageControlID).
		Bool("valid", res.IsValid).
		Msg("message validated")
}

func (s *Service) parseAndRun(ctx context.Context, flow string, raw []byte, validate bool) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.parse(flow, raw)
	if err != nil {
		return nil, err
	}
	return s.run(s.flows, flow, msg, s.synthesize[flow], validate)
}

// ValidateOnly fails on any parse, resolution, mapping, load or schema
// error and returns nil for a valid message.
func (s *Service) ValidateOnly(ctx context.Context, flow string, raw []byte) error {
	_, err := s.parseAndRun(ctx, flow, raw, true)
	return err
}

// ConvertOnly returns the HL7v2-XML for raw without validating it.
func (s *Service) ConvertOnly(ctx context.Context, flow string, raw []byte) (string, error) {
	res, err := s.parseAndRun(ctx, flow, raw, false)
	if err != nil {
		return "", err
	}
	return res.XML, nil
}

// ValidateAndConvert returns the XML together with the verdict. Schema
// violations are reported in the result, not as an error; every other
// failure is returned.
func (s *Service) ValidateAndConvert(ctx context.Context, flow string, raw []byte) (*ValidationResult, error) {
	res, err := s.parseAndRun(ctx, flow, raw, true)
	if err != nil && KindOf(err) != KindValidation {
		return nil, err
	}
	return res, nil
}

// ValidateXML validates an HL7v2-XML document against the flow's schema
// for structureID.
func (s *Service) ValidateXML(ctx context.Context, flow, structureID, doc string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	schemaPath, err := s.flows.index.SchemaPathFor(flow, structureID)
	if err != nil {
		return classify(flow, err)
	}
	return classify(flow, s.flows.validator.Validate(doc, schemaPath))
}

// ValidateWithStandard validates raw against the standard bundle for
// version.
func (s *Service) ValidateWithStandard(ctx context.Context, raw []byte, version string) error {
	msg, err := s.Parse(raw)
	if err != nil {
		return err
	}
	return s.ValidateParsedWithStandard(ctx, msg, version)
}

// ValidateParsedWithStandard validates msg against the standard bundle for
// version. MSH-12 must equal version.
func (s *Service) ValidateParsedWithStandard(ctx context.Context, msg *hl7v2.Message, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isSupportedVersion(version) {
		return &Error{Kind: KindVersion, Err: fmt.Errorf("unsupported version %q (supported: %s)",
			version, strings.Join(SupportedVersions, ", "))}
	}
	if got := strings.TrimSpace(msg.Version); got != version {
		return &Error{Kind: KindVersion, Err: fmt.Errorf("message version %q does not match requested version %q",
			got, version)}
	}
	if s.standards == nil {
		return &Error{Kind: KindLoad, Err: fmt.Errorf("no standard schemas configured for version %s", version)}
	}
	_, err := s.run(s.standards, version, msg, false, true)
	return err
}

func isSupportedVersion(v string) bool {
	for _, sv := range SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// Process validates and converts raw, then stores the outcome. Messages that
// fail before schema validation are stored too, and their error is
// returned alongside the record.
func (s *Service) Process(ctx context.Context, flow string, raw []byte, source string) (*Record, error) {
	msg, err := s.parse(flow, raw)
	if err != nil {
		return s.storeFailure(ctx, flow, source, raw, nil, err)
	}
	return s.ProcessParsed(ctx, flow, msg, raw, source)
}

// ProcessParsed is Process for a message that is already parsed; raw is the
// original payload kept for audit.
func (s *Service) ProcessParsed(ctx context.Context, flow string, msg *hl7v2.Message, raw []byte, source string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.run(s.flows, flow, msg, s.synthesize[flow], true)
	if err != nil && KindOf(err) != KindValidation {
		return s.storeFailure(ctx, flow, source, raw, res, err)
	}

	rec := NewRecord(flow, source, raw, res, nil)
	if err := s.store(ctx, rec); err != nil {
		return rec, err
	}
	s.publish(ctx, rec)
	return rec, nil
}

func (s *Service) storeFailure(ctx context.Context, flow, source string, raw []byte, res *ValidationResult, cause error) (*Record, error) {
	rec := NewRecord(flow, source, raw, res, cause)
	if err := s.store(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("flow", flow).Msg("storing failed message")
		return rec, cause
	}
	s.publish(ctx, rec)
	return rec, cause
}

// Stream topics. Every record goes to TopicResults and to its flow topic
// ("results.<flow>"); failed or invalid ones also go to TopicInvalid.
const (
	TopicResults         = "results"
	TopicInvalid         = "results.invalid"
	EventResultProcessed = "result.processed"
)

// FlowTopic is the stream topic for one flow.
func FlowTopic(flow string) string {
	return TopicResults + "." + flow
}

func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.publisher == nil {
		return
	}
	topics := []string{TopicResults, FlowTopic(rec.Flow)}
	if !rec.IsValid {
		topics = append(topics, TopicInvalid)
	}
	for _, topic := range topics {
		if err := s.publisher.Publish(ctx, topic, EventResultProcessed, rec); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Str("record_id", rec.ID.String()).Msg("publish failed")
		}
	}
}

func (s *Service) store(ctx context.Context, rec *Record) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// Warm loads and compiles every structure schema of flow. It returns the
// number of structures prepared.
func (s *Service) Warm(ctx context.Context, flow string) (int, error) {
	stems, err := s.flows.index.Stems(flow)
	if err != nil {
		return 0, classify(flow, err)
	}

	n := 0
	for _, stem := range sortedStems(stems) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p := stems[stem]
		if err := s.flows.transcoder.Prepare(p); err != nil {
			return n, classify(flow, err)
		}
		if _, err := s.flows.validator.Compile(p); err != nil {
			return n, classify(flow, err)
		}
		n++
	}
	s.logger.Info().Str("flow", flow).Int("structures", n).Msg("flow warmed")
	return n, nil
}

// FlowInfo describes a flow bundle.
type FlowInfo struct {
	Name       string   `json:"name"`
	Structures []string `json:"structures"`
}

// Flows lists the available flows and their structure ids.
func (s *Service) Flows(ctx context.Context) ([]FlowInfo, error) {
	names, err := s.flows.index.Flows()
	if err != nil {
		return nil, classify("", err)
	}
	out := make([]FlowInfo, 0, len(names))
	for _, name := range names {
		info, err := s.Flow(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Flow describes one flow.
func (s *Service) Flow(ctx context.Context, flow string) (FlowInfo, error) {
	stems, err := s.flows.index.KnownStems(flow)
	if err != nil {
		return FlowInfo{}, classify(flow, err)
	}
	return FlowInfo{Name: flow, Structures: stems}, nil
}

// GetResult returns a stored record.
func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*Record, error) {
	if s.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	return s.repo.GetByID(ctx, id)
}

// SearchResults pages through stored records, newest first.
func (s *Service) SearchResults(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error) {
	if s.repo == nil {
		return nil, 0, ErrPersistenceDisabled
	}
	return s.repo.Search(ctx, params, limit, offset)
}

func sortedStems(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
