package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govexec/internal/execctx"
	"github.com/roach88/govexec/internal/fault"
	"github.com/roach88/govexec/internal/testutil"
)

func nopHandler(tag string) Handler {
	return HandlerFunc(func(context.Context, *execctx.Context) (Outcome, error) {
		return Outcome{Artifacts: map[string]any{"handler": tag}}, nil
	})
}

func handlerTag(t *testing.T, ref *HandlerRef) string {
	t.Helper()
	out, err := ref.Handler.Handle(context.Background(), nil)
	require.NoError(t, err)
	return out.Artifacts["handler"].(string)
}

const uploadInput = `{
	"type": "object",
	"required": ["file"],
	"properties": {
		"file": {"type": "string", "minLength": 1},
		"size": {"type": "integer", "minimum": 0}
	}
}`

const uploadOutput = `{
	"type": "object",
	"required": ["stored"],
	"properties": {"stored": {"type": "boolean"}}
}`

func TestCompile(t *testing.T) {
	ref, err := Compile(Registration{
		IntentType:     "content.upload",
		Version:        "1.2.0",
		Handler:        nopHandler("v1"),
		InputContract:  uploadInput,
		OutputContract: uploadOutput,
	})
	require.NoError(t, err)
	assert.Equal(t, "content", ref.Realm)
	assert.Equal(t, "1.2.0", ref.Version.String())
	assert.True(t, ref.HasInputContract())
	assert.True(t, ref.HasOutputContract())

	bad := []Registration{
		{IntentType: "Content", Handler: nopHandler("x")},
		{IntentType: "content.upload"},
		{IntentType: "content.upload", Handler: nopHandler("x"), Version: "not-a-version"},
		{IntentType: "content.upload", Handler: nopHandler("x"), InputContract: `{"type": 12}`},
		{IntentType: "content.upload", Handler: nopHandler("x"), OutputContract: `{`},
	}
	for _, reg := range bad {
		_, err := Compile(reg)
		assert.Error(t, err, "%+v", reg)
	}

	ref, err = Compile(Registration{IntentType: "cross_realm.sync", Realm: "ops", Handler: nopHandler("x")})
	require.NoError(t, err)
	assert.Equal(t, "ops", ref.Realm)
	assert.Equal(t, "0.0.0", ref.Version.String())
	assert.False(t, ref.HasInputContract())
}

func TestContracts(t *testing.T) {
	ref, err := Compile(Registration{
		IntentType:     "content.upload",
		Handler:        nopHandler("v1"),
		InputContract:  uploadInput,
		OutputContract: uploadOutput,
	})
	require.NoError(t, err)

	assert.NoError(t, ref.ValidateInput(map[string]any{"file": "a.csv", "size": 10}))

	err = ref.ValidateInput(map[string]any{"size": 10})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindMalformedIntent))
	fe, _ := fault.As(err)
	assert.Equal(t, "payload", fe.Details["field"])

	err = ref.ValidateInput(map[string]any{"file": "a.csv", "size": -1})
	assert.True(t, fault.Is(err, fault.KindMalformedIntent))

	assert.NoError(t, ref.ValidateOutput(map[string]any{"stored": true}))
	err = ref.ValidateOutput(map[string]any{"stored": "yes"})
	assert.True(t, fault.Is(err, fault.KindHandlerFault))
	err = ref.ValidateOutput(nil)
	assert.True(t, fault.Is(err, fault.KindHandlerFault), "missing required artifacts")

	open, err := Compile(Registration{IntentType: "content.upload", Handler: nopHandler("v1")})
	require.NoError(t, err)
	assert.NoError(t, open.ValidateInput(nil))
	assert.NoError(t, open.ValidateOutput(map[string]any{"anything": 1}))
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry()
	ctx := context.Background()

	active, err := r.Register(Registration{IntentType: "content.upload", Version: "1.0.0", Handler: nopHandler("v1")})
	require.NoError(t, err)
	assert.True(t, active)

	active, err = r.Register(Registration{IntentType: "content.upload", Version: "1.4.0", Handler: nopHandler("v14")})
	require.NoError(t, err)
	assert.True(t, active, "newer version replaces older")

	active, err = r.Register(Registration{IntentType: "content.upload", Version: "1.2.0", Handler: nopHandler("v12")})
	require.NoError(t, err)
	assert.False(t, active, "older version is ignored")

	_, err = r.Register(Registration{IntentType: "content.upload", Version: "1.4.0", Handler: nopHandler("dup")})
	assert.Error(t, err)

	reg, err := r.Lookup(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", reg.Version)

	_, err = r.Lookup(ctx, "content.delete")
	assert.ErrorIs(t, err, ErrNotFound)

	r.MustRegister(Registration{IntentType: "billing.charge", Handler: nopHandler("b")})
	assert.Equal(t, []string{"billing.charge", "content.upload"}, r.IntentTypes())

	r.Unregister("billing.charge")
	_, err = r.Lookup(ctx, "billing.charge")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Panics(t, func() { r.MustRegister(Registration{IntentType: "bad"}) })
}

// flakyRegistry serves from a StaticRegistry but can be switched off.
type flakyRegistry struct {
	inner *StaticRegistry
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyRegistry) Lookup(ctx context.Context, intentType string) (Registration, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return Registration{}, errors.New("registry unreachable")
	}
	return f.inner.Lookup(ctx, intentType)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) CapabilityLookup(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[result]++
}

func newResolverFixture(t *testing.T) (*Resolver, *flakyRegistry, *testutil.StepClock, *countingObserver) {
	t.Helper()
	static := NewStaticRegistry()
	static.MustRegister(Registration{IntentType: "content.upload", Version: "1.0.0", Handler: nopHandler("v1")})
	reg := &flakyRegistry{inner: static}
	clk := testutil.NewStepClockAt(testutil.Epoch, 0)
	obs := &countingObserver{}
	return NewResolver(reg, WithTTL(time.Minute), WithClock(clk), WithObserver(obs)), reg, clk, obs
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	res, reg, clk, obs := newResolverFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ref, err := res.Resolve(ctx, "content.upload")
		require.NoError(t, err)
		assert.Equal(t, "v1", handlerTag(t, ref))
	}
	assert.Equal(t, int32(1), reg.calls.Load())
	assert.Equal(t, 1, obs.counts[LookupMiss])
	assert.Equal(t, 2, obs.counts[LookupHit])

	clk.Advance(2 * time.Minute)
	_, err := res.Resolve(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, int32(2), reg.calls.Load(), "expired entries are refreshed")
}

func TestResolver_ServesStaleWhenRegistryDown(t *testing.T) {
	res, reg, clk, obs := newResolverFixture(t)
	ctx := context.Background()

	_, err := res.Resolve(ctx, "content.upload")
	require.NoError(t, err)

	reg.down.Store(true)
	clk.Advance(2 * time.Minute)
	ref, err := res.Resolve(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, "v1", handlerTag(t, ref))
	assert.Equal(t, 1, obs.counts[LookupStale])

	_, err = res.Resolve(ctx, "billing.charge")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindUnknownCapability))
}

func TestResolver_UnknownCapability(t *testing.T) {
	res, reg, _, _ := newResolverFixture(t)

	_, err := res.Resolve(context.Background(), "content.delete")
	require.Error(t, err)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindUnknownCapability, fe.Kind)
	assert.Equal(t, "content.delete", fe.Details["intent_type"])
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), reg.calls.Load())
}

func TestResolver_Invalidate(t *testing.T) {
	res, reg, _, _ := newResolverFixture(t)
	ctx := context.Background()

	_, err := res.Resolve(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cached())

	reg.inner.MustRegister(Registration{IntentType: "content.upload", Version: "2.0.0", Handler: nopHandler("v2")})
	ref, err := res.Resolve(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, "v1", handlerTag(t, ref), "cached until invalidated")

	res.Invalidate("content.upload")
	ref, err = res.Resolve(ctx, "content.upload")
	require.NoError(t, err)
	assert.Equal(t, "v2", handlerTag(t, ref))

	// A registration removed from the registry is evicted on refresh.
	reg.inner.Unregister("content.upload")
	res.InvalidateAll()
	assert.Zero(t, res.Cached())
	_, err = res.Resolve(ctx, "content.upload")
	assert.True(t, fault.Is(err, fault.KindUnknownCapability))
	assert.Zero(t, res.Cached())
}

func TestResolver_CachingDisabled(t *testing.T) {
	static := NewStaticRegistry()
	static.MustRegister(Registration{IntentType: "content.upload", Handler: nopHandler("v1")})
	reg := &flakyRegistry{inner: static}
	res := NewResolver(reg, WithTTL(-1))

	for i := 0; i < 3; i++ {
		_, err := res.Resolve(context.Background(), "content.upload")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), reg.calls.Load())
	assert.Zero(t, res.Cached())
}
