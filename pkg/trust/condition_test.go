package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConditionEvaluate(t *testing.T) {
	cond := Condition{Expr: All{Terms: []Expr{
		Equals{Attribute: "repo", Value: "org/app"},
		Equals{Attribute: "branch", Value: "main"},
	}}}

	assert.True(t, cond.Evaluate(map[string]string{"repo": "org/app", "branch": "main"}))
	assert.False(t, cond.Evaluate(map[string]string{"repo": "org/other-app", "branch": "main"}))
	assert.False(t, cond.Evaluate(map[string]string{"repo": "org/app"}))
}

func TestConditionAbsentSatisfiesNothing(t *testing.T) {
	var cond Condition
	assert.False(t, cond.Evaluate(map[string]string{"repo": "org/app"}))
	assert.False(t, cond.Evaluate(nil))
}

func TestConditionPinsSorted(t *testing.T) {
	cond := Condition{Expr: All{Terms: []Expr{
		Equals{Attribute: "repo", Value: "org/app"},
		Equals{Attribute: "branch", Value: "main"},
	}}}

	pins := cond.Pins()
	require.Len(t, pins, 2)
	assert.Equal(t, "branch", pins[0].Attribute)
	assert.Equal(t, "repo", pins[1].Attribute)
}

func TestConditionValidateRejectsUnmappedAttribute(t *testing.T) {
	cond := Condition{Expr: Equals{Attribute: "environment", Value: "prod"}}
	err := cond.Validate(map[string]string{"repo": "repository"})
	require.Error(t, err)
	assert.True(t, IsCategory(err, CategoryConfig))
}

func TestConditionYAMLRoundTrip(t *testing.T) {
	doc := `
all:
  - equals:
      attribute: repo
      value: org/app
  - equals:
      attribute: branch
      value: main
`
	var cond Condition
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cond))
	assert.True(t, cond.Evaluate(map[string]string{"repo": "org/app", "branch": "main"}))

	out, err := yaml.Marshal(cond)
	require.NoError(t, err)

	var again Condition
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, cond.CEL(), again.CEL())
}

func TestConditionYAMLRejectsEmptyNode(t *testing.T) {
	var cond Condition
	err := yaml.Unmarshal([]byte(`{}`), &cond)
	require.Error(t, err)
}

func TestConditionCEL(t *testing.T) {
	cond := Condition{Expr: All{Terms: []Expr{
		Equals{Attribute: "repo", Value: "org/app"},
		Equals{Attribute: "branch", Value: "main"},
	}}}
	assert.Equal(t, `attribute.repo == "org/app" && attribute.branch == "main"`, cond.CEL())
}
