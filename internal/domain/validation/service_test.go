package validation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/hl7hub/internal/platform/schemabundle/bundletest"
)

// -- In-memory repository --

type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	failing error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *memRepo) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *memRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.records {
		if f, ok := params["flow"]; ok && rec.Flow != f {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *memRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *memRepo) all() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

func newTestService(repo ResultRepository) *Service {
	return NewService(Config{
		Flows:      bundletest.Flows(),
		Standards:  bundletest.Standards(),
		Synthesize: map[string]bool{"pims": true},
	}, repo, zerolog.Nop())
}

const (
	noTriggerMessage = "MSH|^~\\&|212|212|200|200|20250701140735||ADT|201600952808667|P|2.4\r" +
		"EVN|Sub|20250701140735"
	unmappedMessage = "MSH|^~\\&|212|212|200|200|20250701140735||ADT^A01|201600952808668|P|2.4\r" +
		"EVN|A01|20250701140735"
)

func TestValidateOnly_ChemoValid(t *testing.T) {
	svc := newTestService(nil)
	require.NoError(t, svc.ValidateOnly(context.Background(), "chemo", []byte(bundletest.ChemoA31)))
}

func TestValidateOnly_Failures(t *testing.T) {
	svc := newTestService(nil)

	tests := []struct {
		name     string
		flow     string
		raw      string
		kind     Kind
		sentinel error
		contains string
	}{
		{"missing PV1", "chemo", bundletest.ChemoA31NoPV1, KindValidation, ErrValidation, "PV1' expected"},
		{"missing MRG", "pims", bundletest.PimsA40NoMRG, KindValidation, ErrValidation, "MRG' expected"},
		{"unknown segment", "chemo", bundletest.UnknownSegment, KindParse, ErrParse, "Unable to parse"},
		{"not HL7", "chemo", "this is not a message", KindParse, ErrParse, "first segment must be MSH"},
		{"no trigger", "chemo", noTriggerMessage, KindStructure, ErrStructure, "MSH-9"},
		{"unmapped structure", "chemo", unmappedMessage, KindMapping, ErrMapping, "ADT_A05"},
		{"unknown flow", "nope", bundletest.ChemoA31, KindMapping, ErrMapping, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ValidateOnly(context.Background(), tt.flow, []byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidateOnly_Synthesis(t *testing.T) {
	svc := newTestService(nil)
	require.NoError(t, svc.ValidateOnly(context.Background(), "pims", []byte(bundletest.PimsA28NoEVNNoPV1)))
}

func TestValidateAndConvert_Valid(t *testing.T) {
	svc := newTestService(nil)

	res, err := svc.ValidateAndConvert(context.Background(), "chemo", []byte(bundletest.ChemoA31))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "ADT_A05", res.StructureID)
	assert.Equal(t, "ADT", res.MessageType)
	assert.Equal(t, "A31", res.TriggerEvent)
	assert.Equal(t, "201600952808665", res.MessageControlID)
	assert.Contains(t, res.XML, "<ADT_A05")
	assert.Empty(t, res.ErrorMessage)
}

func TestValidateAndConvert_InvalidKeepsXML(t *testing.T) {
	svc := newTestService(nil)

	res, err := svc.ValidateAndConvert(context.Background(), "chemo", []byte(bundletest.ChemoA31NoPV1))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.XML, "<ADT_A05")
	assert.Contains(t, res.ErrorMessage, "PV1' expected")
	require.NotEmpty(t, res.Diagnostics)
}

func TestValidateAndConvert_HardErrorsReturned(t *testing.T) {
	svc := newTestService(nil)

	res, err := svc.ValidateAndConvert(context.Background(), "chemo", []byte(bundletest.UnknownSegment))
	assert.Nil(t, res)
	assert.Equal(t, KindParse, KindOf(err))
}

func TestConvertOnly_SkipsValidation(t *testing.T) {
	svc := newTestService(nil)

	doc, err := svc.ConvertOnly(context.Background(), "chemo", []byte(bundletest.ChemoA31NoPV1))
	require.NoError(t, err)
	assert.Contains(t, doc, `<ADT_A05 xmlns="urn:hl7-org:v2xml">`)
	assert.NotContains(t, doc, "<PV1>")
}

func TestValidateXML(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()

	doc, err := svc.ConvertOnly(ctx, "chemo", []byte(bundletest.ChemoA31))
	require.NoError(t, err)
	require.NoError(t, svc.ValidateXML(ctx, "chemo", "ADT_A05", doc))
	require.NoError(t, svc.ValidateXML(ctx, "chemo", "ADT_A05", doc))

	broken, err := svc.ConvertOnly(ctx, "chemo", []byte(bundletest.ChemoA31NoPV1))
	require.NoError(t, err)
	err = svc.ValidateXML(ctx, "chemo", "ADT_A05", broken)
	assert.Equal(t, KindValidation, KindOf(err))

	err = svc.ValidateXML(ctx, "chemo", "ADT_A99", doc)
	assert.Equal(t, KindMapping, KindOf(err))
}

func TestEntryPoints_CanceledContext(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw := []byte(bundletest.ChemoA31)

	assert.ErrorIs(t, svc.ValidateOnly(ctx, "chemo", raw), context.Canceled)

	_, err := svc.ConvertOnly(ctx, "chemo", raw)
	assert.ErrorIs(t, err, context.Canceled)

	res, err := svc.ValidateAndConvert(ctx, "chemo", raw)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	assert.ErrorIs(t, svc.ValidateXML(ctx, "chemo", "ADT_A05", "<ADT_A05/>"), context.Canceled)
	assert.ErrorIs(t, svc.ValidateWithStandard(ctx, raw, "2.4"), context.Canceled)

	_, err = svc.Process(ctx, "chemo", raw, SourceHTTP)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, repo.all())
}

func TestValidateWithStandard(t *testing.T) {
	svc := newTestService(nil)
	ctx := context.Background()

	require.NoError(t, svc.ValidateWithStandard(ctx, []byte(bundletest.ChemoA31), "2.4"))

	err := svc.ValidateWithStandard(ctx, []byte(bundletest.ChemoA31NoPV1), "2.4")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "PV1' expected")
}

func TestValidateParsedWithStandard_Versions(t *testing.T) {
	svc := newTestService(nil)
	msg, err := svc.Parse([]byte(bundletest.ChemoA31))
	require.NoError(t, err)

	err = svc.ValidateParsedWithStandard(context.Background(), msg, "2.5")
	require.Error(t, err)
	assert.Equal(t, KindVersion, KindOf(err))
	assert.Contains(t, err.Error(), `"2.4"`)
	assert.Contains(t, err.Error(), `"2.5"`)

	err = svc.ValidateParsedWithStandard(context.Background(), msg, "3.0")
	assert.True(t, errors.Is(err, ErrVersion))
	assert.Contains(t, err.Error(), "2.5.1")
}

func TestValidateWithStandard_NotConfigured(t *testing.T) {
	svc := NewService(Config{Flows: bundletest.Flows()}, nil, zerolog.Nop())
	err := svc.ValidateWithStandard(context.Background(), []byte(bundletest.ChemoA31), "2.4")
	assert.Equal(t, KindLoad, KindOf(err))
}

func TestProcess_StoresValidAndInvalid(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	rec, err := svc.Process(ctx, "chemo", []byte(bundletest.ChemoA31), SourceHTTP)
	require.NoError(t, err)
	assert.True(t, rec.IsValid)
	assert.Empty(t, rec.ErrorKind)

	rec, err = svc.Process(ctx, "chemo", []byte(bundletest.ChemoA31NoPV1), SourceHTTP)
	require.NoError(t, err)
	assert.False(t, rec.IsValid)
	assert.Equal(t, KindValidation, rec.ErrorKind)
	assert.NotEmpty(t, rec.XMLDocument)

	assert.Len(t, repo.all(), 2)
}

func TestProcess_StoresHardFailures(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo)

	rec, err := svc.Process(context.Background(), "chemo", []byte(bundletest.UnknownSegment), SourceHTTP)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, KindParse, rec.ErrorKind)
	assert.Equal(t, "ADT_A05", rec.StructureID)
	assert.Empty(t, rec.XMLDocument)

	stored, err := repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, bundletest.UnknownSegment, stored.RawMessage)
}

func TestProcess_StoreFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failing = errors.New("connection refused")
	svc := newTestService(repo)

	_, err := svc.Process(context.Background(), "chemo", []byte(bundletest.ChemoA31), SourceHTTP)
	require.Error(t, err)
	assert.Equal(t, Kind(""), KindOf(err))
}

func TestResults_PersistenceDisabled(t *testing.T) {
	svc := newTestService(nil)

	_, err := svc.GetResult(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
	_, _, err = svc.SearchResults(context.Background(), nil, 10, 0)
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
}

func TestWarm(t *testing.T) {
	svc := newTestService(nil)

	n, err := svc.Warm(context.Background(), "pims")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, svc.flows.validator.Cached())

	_, err = svc.Warm(context.Background(), "nope")
	assert.Equal(t, KindMapping, KindOf(err))
}

func TestFlows(t *testing.T) {
	svc := newTestService(nil)

	flows, err := svc.Flows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, FlowInfo{Name: "chemo", Structures: []string{"ADT_A05"}}, flows[0])
	assert.Equal(t, FlowInfo{Name: "pims", Structures: []string{"ADT_A05", "ADT_A39"}}, flows[1])
}

func TestConcurrentValidation(t *testing.T) {
	svc := newTestService(nil)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- svc.ValidateOnly(context.Background(), "chemo", []byte(bundletest.ChemoA31))
		}()
		go func() {
			defer wg.Done()
			errs <- svc.ValidateOnly(context.Background(), "pims", []byte(bundletest.PimsA40))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, svc.flows.validator.Cached())
}

// -- Observer and publisher --

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveValidation(flow, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, flow+":"+outcome)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := payload.(*Record); !ok || eventType != EventResultProcessed {
		return errors.New("unexpected event")
	}
	p.topics = append(p.topics, topic)
	return p.fail
}

func TestObserver_Outcomes(t *testing.T) {
	obs := &recordingObserver{}
	svc := NewService(Config{Flows: bundletest.Flows(), Observer: obs}, nil, zerolog.Nop())
	ctx := context.Background()

	_ = svc.ValidateOnly(ctx, "chemo", []byte(bundletest.ChemoA31))
	_ = svc.ValidateOnly(ctx, "chemo", []byte(bundletest.ChemoA31NoPV1))
	_, _ = svc.ConvertOnly(ctx, "chemo", []byte(bundletest.ChemoA31))
	_ = svc.ValidateOnly(ctx, "chemo", []byte("not a message"))
	_ = svc.ValidateOnly(ctx, "chemo", []byte(unmappedMessage))

	assert.Equal(t, []string{
		"chemo:valid",
		"chemo:schema_validation",
		"chemo:converted",
		"chemo:parse",
		"chemo:schema_mapping",
	}, obs.outcomes)
}

func TestPublisher_Topics(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(Config{Flows: bundletest.Flows(), Publisher: pub}, newMemRepo(), zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Process(ctx, "chemo", []byte(bundletest.ChemoA31), SourceHTTP)
	require.NoError(t, err)
	assert.Equal(t, []string{TopicResults, FlowTopic("chemo")}, pub.topics)

	pub.topics = nil
	_, err = svc.Process(ctx, "chemo", []byte(bundletest.ChemoA31NoPV1), SourceHTTP)
	require.NoError(t, err)
	assert.Equal(t, []string{TopicResults, "results.chemo", TopicInvalid}, pub.topics)

	pub.topics = nil
	_, err = svc.Process(ctx, "chemo", []byte("garbage"), SourceMLLP)
	require.Error(t, err)
	assert.Contains(t, pub.topics, TopicInvalid)

	// A failing publisher never fails processing.
	pub.topics = nil
	pub.fail = errors.New("hub down")
	_, err = svc.Process(ctx, "chemo", []byte(bundletest.ChemoA31), SourceHTTP)
	assert.NoError(t, err)
	assert.Len(t, pub.topics, 2)
}

func TestPublisher_SkippedWhenStoreFails(t *testing.T) {
	pub := &recordingPublisher{}
	repo := newMemRepo()
	repo.failing = errors.New("db down")
	svc := NewService(Config{Flows: bundletest.Flows(), Publisher: pub}, repo, zerolog.Nop())

	_, err := svc.Process(context.Background(), "chemo", []byte(bundletest.ChemoA31), SourceHTTP)
	require.Error(t, err)
	assert.Empty(t, pub.topics)
}
