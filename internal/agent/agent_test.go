package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistryAPI struct {
	mu             sync.Mutex
	registerCalls  int
	registerErr    error
	heartbeatCalls int
	heartbeatErr   error
	deregistered   []string
	nextID         string
}

func (f *fakeRegistryAPI) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if f.registerErr != nil {
		return RegisterResponse{}, f.registerErr
	}
	id := f.nextID
	if id == "" {
		id = "inst-1"
	}
	return RegisterResponse{Success: true, InstanceID: id}, nil
}

func (f *fakeRegistryAPI) Deregister(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, instanceID)
	return nil
}

func (f *fakeRegistryAPI) Heartbeat(ctx context.Context, instanceID, serviceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatCalls++
	return f.heartbeatErr
}

func TestAgent_RegistersOnStart(t *testing.T) {
	client := &fakeRegistryAPI{}
	cfg := DefaultConfig()
	cfg.ServiceName = "orders"
	cfg.Host = "10.0.0.5"
	cfg.Port = 8080
	cfg.HeartbeatInterval = time.Hour

	a := New(cfg, client, nil, nil)
	require.NoError(t, a.Start(context.Background()))

	assert.Equal(t, "inst-1", a.InstanceID())
	assert.Equal(t, 1, client.registerCalls)

	a.Stop(context.Background())
	assert.Equal(t, []string{"inst-1"}, client.deregistered)
}

func TestAgent_FailFastPropagatesError(t *testing.T) {
	client := &fakeRegistryAPI{registerErr: assertErr{}}
	cfg := DefaultConfig()
	cfg.ServiceName = "orders"
	cfg.Host = "10.0.0.5"
	cfg.Port = 8080
	cfg.RegisterRetryCount = 1
	cfg.RegisterRetryInterval = time.Millisecond
	cfg.FailurePolicy = FailFast

	a := New(cfg, client, nil, nil)
	err := a.Start(context.Background())
	assert.Error(t, err)
}

func TestAgent_ContinueWithoutRegistrationSwallowsError(t *testing.T) {
	client := &fakeRegistryAPI{registerErr: assertErr{}}
	cfg := DefaultConfig()
	cfg.ServiceName = "orders"
	cfg.Host = "10.0.0.5"
	cfg.Port = 8080
	cfg.RegisterRetryCount = 1
	cfg.RegisterRetryInterval = time.Millisecond
	cfg.FailurePolicy = ContinueWithoutRegistration

	a := New(cfg, client, nil, nil)
	require.NoError(t, a.Start(context.Background()))
	assert.Empty(t, a.InstanceID())
	a.Stop(context.Background())
}

func TestResolveIdentity_WildcardHostSubstituted(t *testing.T) {
	cfg := Config{ServiceName: "orders", Host: "0.0.0.0", Port: 9000}
	id, err := resolveIdentity(cfg, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "0.0.0.0", id.host)
	assert.Equal(t, 9000, id.port)
}

func TestLoadWindow_ClassifiesHighOnErrorRate(t *testing.T) {
	w := newLoadWindow(time.Minute, DefaultThresholds())
	for i := 0; i < 10; i++ {
		w.Observe(time.Millisecond, false)
	}
	assert.Equal(t, LoadHigh, w.Recompute())
}

func TestLoadWindow_NormalWithNoHistory(t *testing.T) {
	w := newLoadWindow(time.Minute, DefaultThresholds())
	assert.Equal(t, LoadNormal, w.Recompute())
}

type assertErr struct{}

func (assertErr) Error() string { return "register failed" }
