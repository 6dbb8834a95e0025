package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// mockPlugin implements the Plugin interface for testing
type mockPlugin struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	log      *[]string
}

func (m *mockPlugin) Name() string { return m.name }

func (m *mockPlugin) Start(ctx context.Context) error {
	if m.log != nil {
		*m.log = append(*m.log, "start "+m.name)
	}
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *mockPlugin) Stop() error {
	if m.log != nil {
		*m.log = append(*m.log, "stop "+m.name)
	}
	m.stopped = true
	return m.stopErr
}

func factoryFor(p Plugin) Factory {
	return func(ctx *Context) (Plugin, error) { return p, nil }
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        PluginInfo
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: PluginInfo{
				Name:        "mqtt",
				Description: "MQTT bridge",
				Priority:    PriorityDefault,
				Factory:     factoryFor(&mockPlugin{name: "mqtt"}),
			},
		},
		{
			name: "empty name",
			info: PluginInfo{
				Name:    "",
				Factory: factoryFor(&mockPlugin{}),
			},
			wantErr:     true,
			errContains: "name cannot be empty",
		},
		{
			name: "nil factory",
			info: PluginInfo{
				Name:    "mqtt",
				Factory: nil,
			},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_PriorityOverride(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(PluginInfo{
		Name:        "kafka",
		Description: "Default sink",
		Priority:    PriorityDefault,
		Factory:     factoryFor(&mockPlugin{name: "default"}),
	}))
	require.NoError(t, registry.Register(PluginInfo{
		Name:        "kafka",
		Description: "Private sink",
		Priority:    PriorityOverride,
		Factory:     factoryFor(&mockPlugin{name: "override"}),
	}))

	info := registry.Get("kafka")
	require.NotNil(t, info)
	assert.Equal(t, PriorityOverride, info.Priority)

	p, err := info.Factory(nil)
	require.NoError(t, err)
	assert.Equal(t, "override", p.Name())

	// A lower priority registration afterwards is ignored.
	require.NoError(t, registry.Register(PluginInfo{
		Name:        "kafka",
		Description: "Late default",
		Factory:     factoryFor(&mockPlugin{name: "late"}),
	}))
	assert.Equal(t, "Private sink", registry.Get("kafka").Description)
	assert.Len(t, registry.Names(), 1)
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()

	registry.Register(PluginInfo{Name: "mqtt", Order: 50, Factory: factoryFor(&mockPlugin{})})
	registry.Register(PluginInfo{Name: "metrics", Order: 10, Factory: factoryFor(&mockPlugin{})})
	registry.Register(PluginInfo{Name: "kafka", Order: 50, Factory: factoryFor(&mockPlugin{})})

	list := registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, "metrics", list[0].Name)
	assert.Equal(t, "kafka", list[1].Name)
	assert.Equal(t, "mqtt", list[2].Name)
}

func TestRegistry_DefaultOrder(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(PluginInfo{Name: "test", Factory: factoryFor(&mockPlugin{})}))
	assert.Equal(t, DefaultOrder, registry.Get("test").Order)
}

func TestRegistry_CreateAll(t *testing.T) {
	registry := NewRegistry()

	registry.Register(PluginInfo{Name: "first", Order: 10, Factory: factoryFor(&mockPlugin{name: "first"})})
	registry.Register(PluginInfo{
		Name:    "disabled",
		Order:   20,
		Factory: func(ctx *Context) (Plugin, error) { return nil, ErrDisabled },
	})
	registry.Register(PluginInfo{Name: "second", Order: 30, Factory: factoryFor(&mockPlugin{name: "second"})})

	plugins, err := registry.CreateAll(nil)
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "first", plugins[0].Name())
	assert.Equal(t, "second", plugins[1].Name())
}

func TestRegistry_CreateAll_ErrorCleanup(t *testing.T) {
	registry := NewRegistry()

	first := &mockPlugin{name: "first"}
	registry.Register(PluginInfo{Name: "first", Order: 10, Factory: factoryFor(first)})
	registry.Register(PluginInfo{
		Name:    "second",
		Order:   20,
		Factory: func(ctx *Context) (Plugin, error) { return nil, errors.New("no broker") },
	})

	plugins, err := registry.CreateAll(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create plugin second")
	assert.Nil(t, plugins)
	assert.True(t, first.stopped, "first plugin should have been stopped on cleanup")
}

func TestStartAll_RollsBack(t *testing.T) {
	var log []string
	plugins := []Plugin{
		&mockPlugin{name: "a", log: &log},
		&mockPlugin{name: "b", log: &log},
		&mockPlugin{name: "c", log: &log, startErr: errors.New("refused")},
		&mockPlugin{name: "d", log: &log},
	}

	err := StartAll(context.Background(), plugins)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start plugin c")
	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, log)
}

func TestStopAll(t *testing.T) {
	var log []string
	plugins := []Plugin{
		&mockPlugin{name: "a", log: &log, stopErr: errors.New("a failed")},
		&mockPlugin{name: "b", log: &log},
		&mockPlugin{name: "c", log: &log, stopErr: errors.New("c failed")},
	}

	err := StopAll(plugins)
	assert.Equal(t, []string{"stop c", "stop b", "stop a"}, log)
	assert.Len(t, multierr.Errors(err), 2)
	assert.NoError(t, StopAll(nil))
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	registry.Register(PluginInfo{Name: "test", Factory: factoryFor(&mockPlugin{})})
	assert.Len(t, registry.Names(), 1)

	registry.Clear()

	assert.Empty(t, registry.Names())
	assert.Nil(t, registry.Get("test"))
}

func TestGlobalRegistry(t *testing.T) {
	ClearGlobal()
	defer ClearGlobal()

	require.NoError(t, Register(PluginInfo{
		Name:        "global-test",
		Description: "Testing global registry",
		Factory:     factoryFor(&mockPlugin{name: "global"}),
	}))

	info := Get("global-test")
	require.NotNil(t, info)
	assert.Equal(t, "Testing global registry", info.Description)
	assert.Len(t, List(), 1)
	assert.Contains(t, Names(), "global-test")

	plugins, err := CreateAll(nil)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "global", plugins[0].Name())
}
