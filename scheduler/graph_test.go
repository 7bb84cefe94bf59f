package scheduler

import (
	"testing"

	"github.com/contentdag/core/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) schema.TaskNode {
	return schema.TaskNode{ID: id, AgentID: "agent", Role: schema.RoleWorker, DependsOn: deps}
}

func TestBuild_NilDef(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
}

func TestBuild_EmptyTasks(t *testing.T) {
	_, err := Build(&schema.DAGDefinition{})
	require.Error(t, err)
}

func TestBuild_Linear(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{
			task("a"),
			task("b", "a"),
			task("c", "b"),
		},
	}
	g, err := Build(def)
	require.NoError(t, err)
	require.Len(t, g.Levels, 3)
	assert.Equal(t, []string{"a"}, g.Levels[0])
	assert.Equal(t, []string{"b"}, g.Levels[1])
	assert.Equal(t, []string{"c"}, g.Levels[2])
}

func TestBuild_Diamond(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{
			task("a"),
			task("b", "a"),
			task("c", "a"),
			task("d", "b", "c"),
		},
	}
	g, err := Build(def)
	require.NoError(t, err)
	require.Len(t, g.Levels, 3)
	assert.Equal(t, []string{"a"}, g.Levels[0])
	assert.ElementsMatch(t, []string{"b", "c"}, g.Levels[1])
	assert.Equal(t, []string{"d"}, g.Levels[2])
}

func TestBuild_DuplicateID(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{task("a"), task("a")},
	}
	_, err := Build(def)
	require.Error(t, err)
}

func TestBuild_UnknownDependency(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{task("a", "ghost")},
	}
	_, err := Build(def)
	require.Error(t, err)
	coreErr, ok := err.(*schema.CoreError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeUnknownDependency, coreErr.Code)
}

func TestBuild_Cycle(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{
			task("a", "b"),
			task("b", "a"),
		},
	}
	_, err := Build(def)
	require.Error(t, err)
	coreErr, ok := err.(*schema.CoreError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, coreErr.Code)
}

func TestBuild_SelfCycle(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{task("a", "a")},
	}
	_, err := Build(def)
	require.Error(t, err)
}

func TestBuild_DeterministicRoots(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{task("z"), task("a"), task("m")},
	}
	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, g.Roots)
}

func TestBuild_WideLevel(t *testing.T) {
	def := &schema.DAGDefinition{
		Tasks: []schema.TaskNode{
			task("root"),
			task("a", "root"),
			task("b", "root"),
			task("c", "root"),
		},
	}
	g, err := Build(def)
	require.NoError(t, err)
	require.Len(t, g.Levels, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, g.Levels[1])
}
